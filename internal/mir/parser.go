// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package mir

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// defaultWidth is the implied load/store width, in bytes, when a µASM
// statement omits it.
const defaultWidth = 8

// ErrUnsupportedInput is wrapped by ParseFile when the input looks like an
// ELF binary rather than µASM text; ELF disassembly is outside this
// package's scope.
var ErrUnsupportedInput = errors.New("ELF input is not supported; provide a µASM text file")

// LooksLikeELF reports whether data begins with the ELF magic number.
func LooksLikeELF(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0x7f, 'E', 'L', 'F'})
}

// parser is a recursive-descent parser over a pre-scanned token stream.
// µASM has no third-party grammar of its own to reuse a parser-combinator
// or PEG library for; a hand-written precedence-climbing parser is the
// idiomatic choice for a grammar this small.
type parser struct {
	toks []token
	pos  int
}

func Parse(src string, defaultEntry string) (*Program, error) {
	lx := newLexer(src)
	var toks []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, errors.Wrap(err, "lexing")
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			break
		}
	}
	p := &parser{toks: toks}
	return p.parseProgram(defaultEntry)
}

func (p *parser) cur() token   { return p.toks[p.pos] }
func (p *parser) peekN(n int) token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) at(kind tokenKind) bool { return p.cur().kind == kind }

func (p *parser) advance() token {
	t := p.cur()
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if !p.at(kind) {
		return token{}, errors.Errorf("line %d: expected %s", p.cur().line, what)
	}
	return p.advance(), nil
}

func (p *parser) atKeyword(kw string) bool {
	return p.cur().kind == tokIdent && p.cur().text == kw
}

// rawInstr pairs an instruction with the label, if any, that precedes it
// in the source; labels mark the start of a new basic block.
type rawInstr struct {
	label string
	instr Instr
}

func (p *parser) parseProgram(defaultEntry string) (*Program, error) {
	functions := make(map[string]*Function)
	var cur []rawInstr
	curName := defaultEntry
	opened := false

	flush := func() error {
		if !opened && len(cur) == 0 {
			return nil
		}
		fn, err := buildFunction(curName, cur)
		if err != nil {
			return err
		}
		functions[curName] = fn
		cur = nil
		return nil
	}

	for !p.at(tokEOF) {
		for p.at(tokSemi) {
			p.advance()
		}
		if p.at(tokEOF) {
			break
		}
		if p.atKeyword("func") {
			if err := flush(); err != nil {
				return nil, err
			}
			p.advance()
			nameTok, err := p.expect(tokIdent, "function name after 'func'")
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokColon, "':' after function name"); err != nil {
				return nil, err
			}
			curName = nameTok.text
			opened = true
			continue
		}

		label := ""
		if p.at(tokIdent) && p.peekN(1).kind == tokColon && !isStatementKeyword(p.cur().text) {
			label = p.advance().text
			p.advance() // ':'
			for p.at(tokSemi) {
				p.advance()
			}
			if p.at(tokEOF) || p.atKeyword("func") {
				cur = append(cur, rawInstr{label: label, instr: &SkipInstr{}})
				continue
			}
		}

		instr, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		cur = append(cur, rawInstr{label: label, instr: instr})

		for p.at(tokSemi) {
			p.advance()
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if len(functions) == 0 {
		return nil, errors.New("empty program")
	}
	prog := &Program{Functions: functions, Entry: defaultEntry}
	if _, ok := functions[defaultEntry]; !ok {
		for name := range functions {
			prog.Entry = name
			break
		}
	}
	if err := prog.Validate(); err != nil {
		return nil, err
	}
	return prog, nil
}

func isStatementKeyword(s string) bool {
	switch s {
	case "beqz", "jmp", "spbarr", "skip", "load", "store", "call", "return", "func":
		return true
	default:
		return false
	}
}

// buildFunction splits a flat list of (label, instruction) pairs into
// basic blocks: a new block begins at every label and immediately after
// every terminator.
func buildFunction(name string, raw []rawInstr) (*Function, error) {
	blocks := make(map[string]*BasicBlock)
	var order []string

	blockNum := 0
	freshLabel := func() string {
		blockNum++
		return fmt.Sprintf("%s.L%d", name, blockNum)
	}

	entry := ""
	var curLabel string
	var curBlock *BasicBlock

	startBlock := func(label string) {
		if label == "" {
			label = freshLabel()
		}
		curLabel = label
		curBlock = &BasicBlock{Label: label}
		blocks[label] = curBlock
		order = append(order, label)
		if entry == "" {
			entry = label
		}
	}

	for _, ri := range raw {
		if ri.label != "" || curBlock == nil {
			startBlock(ri.label)
		}
		curBlock.Instrs = append(curBlock.Instrs, ri.instr)
		if IsTerminator(ri.instr) {
			curBlock = nil
		}
	}
	_ = curLabel

	// Resolve implicit fallthrough: a branch's false target and an
	// unterminated block's successor are both "the next block in order".
	for i, label := range order {
		b := blocks[label]
		if len(b.Instrs) == 0 {
			continue
		}
		last := b.Instrs[len(b.Instrs)-1]
		switch t := last.(type) {
		case *BranchInstr:
			if t.FalseTarget == "" {
				if i+1 >= len(order) {
					return nil, errors.Errorf("function %s: branch in block %s falls off the end of the function", name, label)
				}
				t.FalseTarget = order[i+1]
			}
		}
	}

	if entry == "" {
		return nil, errors.Errorf("function %s has no instructions", name)
	}
	return &Function{Name: name, Entry: entry, Blocks: blocks, Order: order}, nil
}

func (p *parser) parseStatement() (Instr, error) {
	if p.at(tokIdent) {
		switch p.cur().text {
		case "beqz":
			p.advance()
			condTok, err := p.expect(tokIdent, "register after 'beqz'")
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokComma, "',' after beqz condition"); err != nil {
				return nil, err
			}
			targetTok, err := p.expect(tokIdent, "label after 'beqz'")
			if err != nil {
				return nil, err
			}
			return &BranchInstr{
				Cond:        &CmpExpr{Op: CmpEq, Left: &RegExpr{Name: condTok.text}, Right: &ConstExpr{Value: 0}},
				TrueTarget:  targetTok.text,
				FalseTarget: "", // resolved to the fallthrough block by buildFunction
			}, nil
		case "jmp":
			p.advance()
			targetTok, err := p.expect(tokIdent, "label after 'jmp'")
			if err != nil {
				return nil, err
			}
			return &JumpInstr{Target: targetTok.text}, nil
		case "spbarr":
			p.advance()
			return &SpbarrInstr{}, nil
		case "skip":
			p.advance()
			return &SkipInstr{}, nil
		case "load":
			p.advance()
			destTok, err := p.expect(tokIdent, "destination register after 'load'")
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokComma, "',' after load destination"); err != nil {
				return nil, err
			}
			addr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			width := defaultWidth
			if p.at(tokComma) {
				p.advance()
				w, err := p.expect(tokNumber, "width after ','")
				if err != nil {
					return nil, err
				}
				n, err := parseNumber(w.text)
				if err != nil {
					return nil, err
				}
				width = int(n)
			}
			return &LoadInstr{Dest: destTok.text, Addr: addr, Width: width}, nil
		case "store":
			p.advance()
			addr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokComma, "',' after store address"); err != nil {
				return nil, err
			}
			value, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			width := defaultWidth
			if p.at(tokComma) {
				p.advance()
				w, err := p.expect(tokNumber, "width after ','")
				if err != nil {
					return nil, err
				}
				n, err := parseNumber(w.text)
				if err != nil {
					return nil, err
				}
				width = int(n)
			}
			return &StoreInstr{Addr: addr, Value: value, Width: width}, nil
		case "call":
			p.advance()
			return p.parseCallTail("")
		case "return":
			p.advance()
			if p.at(tokSemi) || p.at(tokEOF) || p.atKeyword("func") || (p.at(tokIdent) && p.peekN(1).kind == tokColon) {
				return &ReturnInstr{}, nil
			}
			value, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return &ReturnInstr{Value: value}, nil
		}

		// "<ident> <- expr" or "<ident> <- call <target>".
		if p.peekN(1).kind == tokArrow {
			destTok := p.advance()
			p.advance() // '<-'
			if p.atKeyword("call") {
				p.advance()
				return p.parseCallTail(destTok.text)
			}
			expr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return &AssignInstr{Dest: destTok.text, Src: expr}, nil
		}
	}
	return nil, errors.Errorf("line %d: unrecognized statement starting at %q", p.cur().line, p.cur().text)
}

func (p *parser) parseCallTail(dest string) (Instr, error) {
	if p.at(tokStar) {
		p.advance()
		targetExpr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &CallInstr{Dest: dest, Indirect: true, TargetExpr: targetExpr}, nil
	}
	targetTok, err := p.expect(tokIdent, "callee name or '*<reg>' after 'call'")
	if err != nil {
		return nil, err
	}
	return &CallInstr{Dest: dest, Target: targetTok.text}, nil
}

// Expression grammar, lowest to highest precedence:
//
//	cmp  := add (('=' | '==' | '!=' | '<' | '<=' | '>' | '>=') add)*
//	add  := bitor (('+' | '-') bitor)*
//	bitor := bitand (('|' | '^') bitand)*
//	bitand := shift ('&' shift)*
//	shift := mul (('<<' | '>>') mul)*
//	mul  := unary ('*' unary)*
//	unary := ('-' | '!') unary | primary
//	primary := IDENT | NUMBER | '(' cmp ')'
func (p *parser) parseExpr() (Expr, error) { return p.parseCmp() }

func (p *parser) parseCmp() (Expr, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	for {
		var op CmpOp
		switch p.cur().kind {
		case tokEq, tokEqEq:
			op = CmpEq
		case tokNe:
			op = CmpNe
		case tokLt:
			op = CmpLt
		case tokLe:
			op = CmpLe
		case tokGt:
			op = CmpGt
		case tokGe:
			op = CmpGe
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		left = &CmpExpr{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseAdd() (Expr, error) {
	left, err := p.parseBitOr()
	if err != nil {
		return nil, err
	}
	for {
		var op BinOp
		switch p.cur().kind {
		case tokPlus:
			op = OpAdd
		case tokMinus:
			op = OpSub
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseBitOr()
		if err != nil {
			return nil, err
		}
		left = &BinExpr{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseBitOr() (Expr, error) {
	left, err := p.parseBitAnd()
	if err != nil {
		return nil, err
	}
	for {
		var op BinOp
		switch p.cur().kind {
		case tokPipe:
			op = OpOr
		case tokCaret:
			op = OpXor
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseBitAnd()
		if err != nil {
			return nil, err
		}
		left = &BinExpr{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseBitAnd() (Expr, error) {
	left, err := p.parseShift()
	if err != nil {
		return nil, err
	}
	for p.at(tokAmp) {
		p.advance()
		right, err := p.parseShift()
		if err != nil {
			return nil, err
		}
		left = &BinExpr{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseShift() (Expr, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		var op BinOp
		switch p.cur().kind {
		case tokShl:
			op = OpShl
		case tokShr:
			op = OpShr
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = &BinExpr{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseMul() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.at(tokStar) {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinExpr{Op: OpMul, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	switch p.cur().kind {
	case tokMinus:
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnExpr{Op: UnNeg, X: x}, nil
	case tokBang:
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnExpr{Op: UnNot, X: x}, nil
	default:
		return p.parsePrimary()
	}
}

func (p *parser) parsePrimary() (Expr, error) {
	switch p.cur().kind {
	case tokIdent:
		return &RegExpr{Name: p.advance().text}, nil
	case tokNumber:
		n, err := parseNumber(p.advance().text)
		if err != nil {
			return nil, errors.Wrap(err, "parsing numeric literal")
		}
		return &ConstExpr{Value: n}, nil
	case tokLParen:
		p.advance()
		inner, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	default:
		return nil, errors.Errorf("line %d: expected an expression", p.cur().line)
	}
}
