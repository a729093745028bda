// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package mir

import "github.com/pkg/errors"

// BasicBlock is a straight-line run of instructions ending in a
// terminator (branch, jump, or return), except for the last block of a
// function body, which may fall off the end (treated as an implicit
// return).
type BasicBlock struct {
	Label  string
	Instrs []Instr
}

// Terminator returns the block's last instruction if it is a terminator,
// or nil otherwise.
func (b *BasicBlock) Terminator() Instr {
	if len(b.Instrs) == 0 {
		return nil
	}
	last := b.Instrs[len(b.Instrs)-1]
	if IsTerminator(last) {
		return last
	}
	return nil
}

// Successors returns the labels of blocks control may transfer to directly
// from b, in declaration order (fallthrough included for blocks with no
// terminator).
func (b *BasicBlock) Successors(order []string, index int) []string {
	switch t := b.Terminator().(type) {
	case *BranchInstr:
		return []string{t.TrueTarget, t.FalseTarget}
	case *JumpInstr:
		return []string{t.Target}
	case *ReturnInstr:
		return nil
	default:
		if index+1 < len(order) {
			return []string{order[index+1]}
		}
		return nil
	}
}

// Function is one function's CFG: a set of basic blocks plus the order
// they appeared in the source, which also fixes the fallthrough block of
// an unterminated block.
type Function struct {
	Name   string
	Entry  string
	Blocks map[string]*BasicBlock
	Order  []string
}

// Block looks up a basic block by label.
func (f *Function) Block(label string) (*BasicBlock, bool) {
	b, ok := f.Blocks[label]
	return b, ok
}

// BlockIndex returns the position of label in the function's declaration
// order, or -1 if not found.
func (f *Function) BlockIndex(label string) int {
	for i, l := range f.Order {
		if l == label {
			return i
		}
	}
	return -1
}

// ResolveFallthrough makes every block's control transfer explicit by
// appending a JumpInstr to a block that falls off its end without a
// terminator (or a ReturnInstr for the function's last block). Downstream
// stages (inlining, loop unwinding, transient-CFG construction) can then
// ignore block order entirely and read control flow purely off
// terminators.
func (f *Function) ResolveFallthrough() {
	for i, label := range f.Order {
		b := f.Blocks[label]
		if b.Terminator() != nil {
			continue
		}
		if i+1 < len(f.Order) {
			b.Instrs = append(b.Instrs, &JumpInstr{Target: f.Order[i+1]})
		} else {
			b.Instrs = append(b.Instrs, &ReturnInstr{})
		}
	}
}

// Validate checks that every branch/jump target names a block that
// actually exists in the function.
func (f *Function) Validate() error {
	for _, label := range f.Order {
		b := f.Blocks[label]
		for _, instr := range b.Instrs {
			switch t := instr.(type) {
			case *BranchInstr:
				if _, ok := f.Blocks[t.TrueTarget]; !ok {
					return errors.Errorf("function %s: branch in block %s targets unknown block %s", f.Name, label, t.TrueTarget)
				}
				if _, ok := f.Blocks[t.FalseTarget]; !ok {
					return errors.Errorf("function %s: branch in block %s targets unknown block %s", f.Name, label, t.FalseTarget)
				}
			case *JumpInstr:
				if _, ok := f.Blocks[t.Target]; !ok {
					return errors.Errorf("function %s: jump in block %s targets unknown block %s", f.Name, label, t.Target)
				}
			}
		}
	}
	return nil
}

// Program is the whole translation unit: every function reachable from the
// entry point, plus any others the input declared.
type Program struct {
	Functions map[string]*Function
	Entry     string
}

// EntryFunction returns the program's entry function.
func (p *Program) EntryFunction() (*Function, error) {
	f, ok := p.Functions[p.Entry]
	if !ok {
		return nil, errors.Errorf("program entry function %q not found", p.Entry)
	}
	return f, nil
}

// Validate validates every function in the program.
func (p *Program) Validate() error {
	if _, err := p.EntryFunction(); err != nil {
		return err
	}
	for _, f := range p.Functions {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}
