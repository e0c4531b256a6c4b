// Package parser turns KBasic source text into an ast.Program.
//
// Error propagation is local to the stage: a failed sub-expression is
// returned up the call stack before it is ever attached to a parent
// node, so no partial AST escapes on error. The Scanner's Rewind
// primitive is used for one-token backtracking (e.g. telling an
// identifier-led statement apart from a bare expression); SetCursor is
// not used.
package parser

import (
	"strconv"
	"strings"

	"khronicler/internal/ast"
	"khronicler/internal/bytecode"
	kerrors "khronicler/internal/errors"
	"khronicler/internal/lexer"
)

type blockKind int

const (
	blockProgram blockKind = iota
	blockFunc
	blockIf
	blockWhile
	blockDoWhile
	blockFor
)

type openBlock struct {
	kind        blockKind
	line        int
	fn          *ast.FunctionDeclare
	ifNode      *ast.If
	ifArm       int // 0 = Then, 1 = ElseIfs[ifElseIfIdx], 2 = Else
	ifElseIfIdx int
	whileNode   *ast.While
	doWhileNode *ast.DoWhile
	forNode     *ast.For
}

// Parser builds an ast.Program from KBasic source, one logical line at a
// time.
type Parser struct {
	lines          []string
	lineNo         int
	sc             *lexer.Scanner
	program        *ast.Program
	blocks         []*openBlock
	controlCounter int
	loopIDs        []int // control ids of enclosing loops, nearest last
	inFunc         bool
}

// New creates a Parser over complete KBasic source text.
func New(source string) *Parser {
	return &Parser{lines: strings.Split(source, "\n")}
}

// Parse runs the parser to completion, returning the finished program or
// the first syntax error encountered.
func (p *Parser) Parse() (*ast.Program, error) {
	p.program = ast.NewProgram()
	p.blocks = []*openBlock{{kind: blockProgram}}

	for i, raw := range p.lines {
		p.lineNo = i + 1
		line := strings.TrimRight(raw, " \t\r")
		if err := p.parseLine(line); err != nil {
			return nil, err
		}
	}

	if len(p.blocks) != 1 {
		return nil, kerrors.NewSyntaxError(p.lineNo, "end-of-input", "unterminated function or control structure")
	}
	p.program.Count = p.controlCounter
	return p.program, nil
}

func (p *Parser) parseLine(line string) error {
	p.sc = lexer.NewScanner(line)
	for {
		tok := p.sc.Next()
		if tok.Kind == lexer.Error {
			return kerrors.NewSyntaxError(p.lineNo, "lexical", tok.Content)
		}
		if tok.Kind == lexer.LineEnd {
			if tok.Content == ";" {
				continue
			}
			return nil
		}
		if err := p.parseStatement(tok); err != nil {
			return err
		}
	}
}

func (p *Parser) top() *openBlock { return p.blocks[len(p.blocks)-1] }

func (p *Parser) push(b *openBlock) { p.blocks = append(p.blocks, b) }

func (p *Parser) pop() *openBlock {
	b := p.top()
	p.blocks = p.blocks[:len(p.blocks)-1]
	return b
}

func (p *Parser) append(stmt ast.Stmt) {
	if s, ok := stmt.(interface{ SetLine(int) }); ok && stmt.Line() == 0 {
		s.SetLine(p.lineNo)
	}
	top := p.top()
	switch top.kind {
	case blockProgram:
		p.program.Body = append(p.program.Body, stmt)
	case blockFunc:
		top.fn.Body = append(top.fn.Body, stmt)
	case blockIf:
		switch top.ifArm {
		case 0:
			top.ifNode.Then = append(top.ifNode.Then, stmt)
		case 1:
			top.ifNode.ElseIfs[top.ifElseIfIdx].Body = append(top.ifNode.ElseIfs[top.ifElseIfIdx].Body, stmt)
		case 2:
			top.ifNode.Else = append(top.ifNode.Else, stmt)
		}
	case blockWhile:
		top.whileNode.Body = append(top.whileNode.Body, stmt)
	case blockDoWhile:
		top.doWhileNode.Body = append(top.doWhileNode.Body, stmt)
	case blockFor:
		top.forNode.Body = append(top.forNode.Body, stmt)
	}
}

func (p *Parser) nextControlID() int {
	p.controlCounter++
	return p.controlCounter
}

func (p *Parser) syntaxErr(kind, msg string) error {
	return kerrors.NewSyntaxError(p.lineNo, kind, msg)
}

func (p *Parser) expectKind(kind lexer.Kind, context string) (lexer.Token, error) {
	tok := p.sc.Next()
	if tok.Kind != kind {
		return tok, p.syntaxErr(context, "unexpected token "+tok.String())
	}
	return tok, nil
}

func (p *Parser) expectKeyword(keyword, context string) error {
	tok := p.sc.Next()
	if tok.Kind != lexer.Keyword || tok.Content != keyword {
		return p.syntaxErr(context, "expected '"+keyword+"'")
	}
	return nil
}

func (p *Parser) expectLineEnd(context string) error {
	tok := p.sc.Next()
	if tok.Kind != lexer.LineEnd {
		return p.syntaxErr(context, "expected end of line")
	}
	return nil
}

// parseStatement dispatches on the first token of a statement.
func (p *Parser) parseStatement(tok lexer.Token) error {
	if tok.Kind == lexer.Keyword {
		switch tok.Content {
		case "func":
			return p.parseFunc(tok)
		case "if":
			return p.parseIf(tok)
		case "elseif":
			return p.parseElseIf(tok)
		case "else":
			return p.parseElse(tok)
		case "while":
			return p.parseWhile(tok)
		case "do":
			return p.parseDo(tok)
		case "for":
			return p.parseFor(tok)
		case "next":
			return p.parseNext(tok)
		case "break":
			return p.parseBreak(tok)
		case "continue":
			return p.parseContinue(tok)
		case "end":
			return p.parseEnd(tok)
		case "exit":
			return p.parseExit(tok)
		case "return":
			return p.parseReturn(tok)
		case "goto":
			return p.parseGoto(tok)
		case "dim":
			return p.parseDim(tok)
		case "redim":
			return p.parseRedim(tok)
		default:
			return p.syntaxErr("statement", "unexpected keyword '"+tok.Content+"'")
		}
	}
	if tok.Kind == lexer.Identifier {
		return p.parseIdentifierStatement(tok)
	}
	if tok.Kind == lexer.LabelSign {
		name, err := p.expectKind(lexer.Identifier, "label")
		if err != nil {
			return p.syntaxErr("label", "missing label name after ':'")
		}
		if err := p.expectLineEnd("label"); err != nil {
			return err
		}
		p.append(&ast.LabelDeclare{Name: name.Content})
		return nil
	}
	expr, err := p.parseExprStartingWith(tok)
	if err != nil {
		return err
	}
	if err := p.expectLineEnd("expression"); err != nil {
		return err
	}
	p.append(&ast.ExprStmt{Value: expr})
	return nil
}

func (p *Parser) parseFunc(tok lexer.Token) error {
	if p.inFunc {
		return p.syntaxErr("func", "nested function definitions are not allowed")
	}
	name, err := p.expectKind(lexer.Identifier, "func")
	if err != nil {
		return p.syntaxErr("func", "missing function name")
	}
	if _, err := p.expectKind(lexer.ParenL, "func"); err != nil {
		return p.syntaxErr("func", "invalid parameter list")
	}
	var params []string
	tk := p.sc.Next()
	if tk.Kind != lexer.ParenR {
		for {
			if tk.Kind != lexer.Identifier {
				return p.syntaxErr("func", "invalid parameter list")
			}
			params = append(params, tk.Content)
			tk = p.sc.Next()
			if tk.Kind == lexer.Comma {
				tk = p.sc.Next()
				continue
			}
			break
		}
		if tk.Kind != lexer.ParenR {
			return p.syntaxErr("func", "invalid parameter list")
		}
	}
	if err := p.expectLineEnd("func"); err != nil {
		return err
	}
	fn := ast.NewFunctionDeclare(p.lineNo, p.nextControlID(), name.Content, params)
	p.append(fn)
	p.inFunc = true
	p.push(&openBlock{kind: blockFunc, fn: fn, line: p.lineNo})
	return nil
}

func (p *Parser) parseIf(tok lexer.Token) error {
	cond, err := p.parseExpr()
	if err != nil {
		return err
	}
	nxt := p.sc.Next()
	if nxt.Kind == lexer.Keyword && nxt.Content == "goto" {
		label, err := p.expectKind(lexer.Identifier, "if goto")
		if err != nil {
			return p.syntaxErr("if goto", "if...goto without a label")
		}
		if err := p.expectLineEnd("if goto"); err != nil {
			return err
		}
		p.append(ast.NewIfGoto(p.lineNo, cond, label.Content))
		return nil
	}
	if nxt.Kind != lexer.LineEnd {
		return p.syntaxErr("if", "expected end of line or 'goto'")
	}
	ifNode := ast.NewIf(p.lineNo, p.nextControlID())
	ifNode.Cond = cond
	p.append(ifNode)
	p.push(&openBlock{kind: blockIf, ifNode: ifNode, ifArm: 0, line: p.lineNo})
	return nil
}

func (p *Parser) parseElseIf(tok lexer.Token) error {
	top := p.top()
	if top.kind != blockIf {
		return p.syntaxErr("elseif", "'elseif' without a matching 'if'")
	}
	cond, err := p.parseExpr()
	if err != nil {
		return err
	}
	if err := p.expectLineEnd("elseif"); err != nil {
		return err
	}
	top.ifNode.ElseIfs = append(top.ifNode.ElseIfs, ast.ElseIfBranch{Cond: cond})
	top.ifArm = 1
	top.ifElseIfIdx = len(top.ifNode.ElseIfs) - 1
	return nil
}

func (p *Parser) parseElse(tok lexer.Token) error {
	top := p.top()
	if top.kind != blockIf {
		return p.syntaxErr("else", "'else' without a matching 'if'")
	}
	if err := p.expectLineEnd("else"); err != nil {
		return err
	}
	top.ifNode.HasElse = true
	top.ifArm = 2
	return nil
}

func (p *Parser) parseWhile(tok lexer.Token) error {
	cond, err := p.parseExpr()
	if err != nil {
		return err
	}
	if err := p.expectLineEnd("while"); err != nil {
		return err
	}
	id := p.nextControlID()
	w := ast.NewWhile(p.lineNo, id, cond)
	p.append(w)
	p.loopIDs = append(p.loopIDs, id)
	p.push(&openBlock{kind: blockWhile, whileNode: w, line: p.lineNo})
	return nil
}

func (p *Parser) parseDo(tok lexer.Token) error {
	if err := p.expectLineEnd("do"); err != nil {
		return err
	}
	id := p.nextControlID()
	d := ast.NewDoWhile(p.lineNo, id)
	p.append(d)
	p.loopIDs = append(p.loopIDs, id)
	p.push(&openBlock{kind: blockDoWhile, doWhileNode: d, line: p.lineNo})
	return nil
}

func (p *Parser) parseFor(tok lexer.Token) error {
	name, err := p.expectKind(lexer.Identifier, "for")
	if err != nil {
		return p.syntaxErr("for", "'for' missing loop variable")
	}
	eq := p.sc.Next()
	if eq.Kind != lexer.Operator || eq.Content != "=" {
		return p.syntaxErr("for", "'for' missing '='")
	}
	from, err := p.parseExpr()
	if err != nil {
		return err
	}
	if err := p.expectKeyword("to", "for"); err != nil {
		return p.syntaxErr("for", "'for' missing 'to'")
	}
	to, err := p.parseExpr()
	if err != nil {
		return err
	}
	id := p.nextControlID()
	f := ast.NewFor(p.lineNo, id, name.Content, from, to)
	peek := p.sc.Next()
	if peek.Kind == lexer.Keyword && peek.Content == "step" {
		step, err := p.parseExpr()
		if err != nil {
			return err
		}
		f.Step = step
		f.HasStep = true
		peek = p.sc.Next()
	}
	if peek.Kind != lexer.LineEnd {
		return p.syntaxErr("for", "unexpected token after 'for' clause")
	}
	p.append(f)
	p.loopIDs = append(p.loopIDs, id)
	p.push(&openBlock{kind: blockFor, forNode: f, line: p.lineNo})
	return nil
}

func (p *Parser) parseNext(tok lexer.Token) error {
	top := p.top()
	if top.kind != blockFor {
		return p.syntaxErr("next", "'next' without a matching 'for'")
	}
	peek := p.sc.Next()
	if peek.Kind == lexer.Identifier {
		if peek.Content != top.forNode.Var {
			return p.syntaxErr("next", "'next' variable does not match enclosing 'for' variable")
		}
		peek = p.sc.Next()
	}
	if peek.Kind != lexer.LineEnd {
		return p.syntaxErr("next", "expected end of line")
	}
	p.loopIDs = p.loopIDs[:len(p.loopIDs)-1]
	p.pop()
	return nil
}

func (p *Parser) parseBreak(tok lexer.Token) error {
	if len(p.loopIDs) == 0 {
		return p.syntaxErr("break", "'break' outside of a loop")
	}
	if err := p.expectLineEnd("break"); err != nil {
		return err
	}
	p.append(&ast.Break{})
	return nil
}

func (p *Parser) parseContinue(tok lexer.Token) error {
	if len(p.loopIDs) == 0 {
		return p.syntaxErr("continue", "'continue' outside of a loop")
	}
	if err := p.expectLineEnd("continue"); err != nil {
		return err
	}
	p.append(&ast.Continue{})
	return nil
}

func (p *Parser) parseEnd(tok lexer.Token) error {
	what := p.sc.Next()
	if what.Kind != lexer.Keyword {
		return p.syntaxErr("end", "'end' keyword not match")
	}
	top := p.top()
	switch what.Content {
	case "if":
		if top.kind != blockIf {
			return p.syntaxErr("end", "'end' keyword not match")
		}
		if err := p.expectLineEnd("end if"); err != nil {
			return err
		}
		p.pop()
		return nil
	case "func":
		if top.kind != blockFunc {
			return p.syntaxErr("end", "'end' keyword not match")
		}
		if err := p.expectLineEnd("end func"); err != nil {
			return err
		}
		p.pop()
		p.inFunc = false
		return nil
	case "while":
		switch top.kind {
		case blockWhile:
			if err := p.expectLineEnd("end while"); err != nil {
				return err
			}
			p.loopIDs = p.loopIDs[:len(p.loopIDs)-1]
			p.pop()
			return nil
		case blockDoWhile:
			cond, err := p.parseExpr()
			if err != nil {
				return err
			}
			if err := p.expectLineEnd("end while"); err != nil {
				return err
			}
			top.doWhileNode.Cond = cond
			p.loopIDs = p.loopIDs[:len(p.loopIDs)-1]
			p.pop()
			return nil
		default:
			return p.syntaxErr("end", "'end' keyword not match")
		}
	default:
		return p.syntaxErr("end", "'end' keyword not match")
	}
}

func (p *Parser) parseExit(tok lexer.Token) error {
	peek := p.sc.Next()
	if peek.Kind == lexer.LineEnd {
		p.append(&ast.Exit{})
		return nil
	}
	p.sc.Rewind()
	val, err := p.parseExpr()
	if err != nil {
		return err
	}
	if err := p.expectLineEnd("exit"); err != nil {
		return err
	}
	p.append(&ast.Exit{Value: val})
	return nil
}

func (p *Parser) parseReturn(tok lexer.Token) error {
	if !p.inFunc {
		return p.syntaxErr("return", "'return' outside of a function")
	}
	peek := p.sc.Next()
	if peek.Kind == lexer.LineEnd {
		p.append(&ast.Return{})
		return nil
	}
	p.sc.Rewind()
	val, err := p.parseExpr()
	if err != nil {
		return err
	}
	if err := p.expectLineEnd("return"); err != nil {
		return err
	}
	p.append(&ast.Return{Value: val})
	return nil
}

func (p *Parser) parseGoto(tok lexer.Token) error {
	label, err := p.expectKind(lexer.Identifier, "goto")
	if err != nil {
		return p.syntaxErr("goto", "'goto' missing label")
	}
	if err := p.expectLineEnd("goto"); err != nil {
		return err
	}
	p.append(&ast.Goto{Label: label.Content})
	return nil
}

func (p *Parser) parseDim(tok lexer.Token) error {
	name, err := p.expectKind(lexer.Identifier, "dim")
	if err != nil {
		return p.syntaxErr("dim", "malformed 'dim'")
	}
	peek := p.sc.Next()
	switch peek.Kind {
	case lexer.LineEnd:
		p.append(&ast.Dim{Name: name.Content})
		return nil
	case lexer.Operator:
		if peek.Content != "=" {
			return p.syntaxErr("dim", "malformed 'dim'")
		}
		init, err := p.parseExpr()
		if err != nil {
			return err
		}
		if err := p.expectLineEnd("dim"); err != nil {
			return err
		}
		p.append(&ast.Dim{Name: name.Content, Init: init})
		return nil
	case lexer.BracketL:
		size, err := p.parseExpr()
		if err != nil {
			return err
		}
		if _, err := p.expectKind(lexer.BracketR, "dim"); err != nil {
			return p.syntaxErr("dim", "malformed 'dim'")
		}
		if err := p.expectLineEnd("dim"); err != nil {
			return err
		}
		p.append(&ast.DimArray{Name: name.Content, Size: size})
		return nil
	default:
		return p.syntaxErr("dim", "malformed 'dim'")
	}
}

func (p *Parser) parseRedim(tok lexer.Token) error {
	name, err := p.expectKind(lexer.Identifier, "redim")
	if err != nil {
		return p.syntaxErr("redim", "malformed 'redim'")
	}
	if _, err := p.expectKind(lexer.BracketL, "redim"); err != nil {
		return p.syntaxErr("redim", "malformed 'redim'")
	}
	size, err := p.parseExpr()
	if err != nil {
		return err
	}
	if _, err := p.expectKind(lexer.BracketR, "redim"); err != nil {
		return p.syntaxErr("redim", "malformed 'redim'")
	}
	if err := p.expectLineEnd("redim"); err != nil {
		return err
	}
	p.append(&ast.Redim{Name: name.Content, Size: size})
	return nil
}

// parseIdentifierStatement disambiguates a label declaration, a scalar
// or array assignment, and a bare expression statement that happens to
// start with an identifier (e.g. a function call used for its side
// effect).
func (p *Parser) parseIdentifierStatement(tok lexer.Token) error {
	peek := p.sc.Next()
	if peek.Kind == lexer.LabelSign {
		p.append(&ast.LabelDeclare{Name: tok.Content})
		return nil
	}
	if peek.Kind == lexer.Operator && peek.Content == "=" {
		value, err := p.parseExpr()
		if err != nil {
			return err
		}
		if err := p.expectLineEnd("assign"); err != nil {
			return err
		}
		p.append(&ast.Assign{Name: tok.Content, Value: value})
		return nil
	}
	if peek.Kind == lexer.BracketL {
		index, err := p.parseExpr()
		if err != nil {
			return err
		}
		if _, err := p.expectKind(lexer.BracketR, "array assign"); err != nil {
			return p.syntaxErr("array assign", "invalid expression")
		}
		eq := p.sc.Next()
		if eq.Kind != lexer.Operator || eq.Content != "=" {
			return p.syntaxErr("array assign", "expected '=' after array subscript")
		}
		value, err := p.parseExpr()
		if err != nil {
			return err
		}
		if err := p.expectLineEnd("array assign"); err != nil {
			return err
		}
		p.append(&ast.AssignArray{Name: tok.Content, Index: index, Value: value})
		return nil
	}
	p.sc.Rewind()
	expr, err := p.parseExprStartingWith(tok)
	if err != nil {
		return err
	}
	if err := p.expectLineEnd("expression"); err != nil {
		return err
	}
	p.append(&ast.ExprStmt{Value: expr})
	return nil
}

// ---- expression parsing (shunting-yard) ----
//
// A single operator stack holds both ordinary binary-operator frames
// and sentinel frames (Paren / ArrayAccess / Call); collapsing logic
// keys off the sentinel tag rather than keeping separate stacks per
// grouping shape.

type sentinelKind int

const (
	sentParen sentinelKind = iota
	sentArrayAccess
	sentCall
)

type opEntry struct {
	isSentinel bool
	sentinel   sentinelKind
	name       string // for ArrayAccess / Call
	args       []ast.Expr
	op         bytecode.Operator
}

type exprBuilder struct {
	p         *Parser
	operands  []ast.Expr
	operators []opEntry
}

func (p *Parser) parseExpr() (ast.Expr, error) {
	tok := p.sc.Next()
	return p.parseExprStartingWith(tok)
}

func (p *Parser) parseExprStartingWith(first lexer.Token) (ast.Expr, error) {
	b := &exprBuilder{p: p}
	if err := b.operand(first); err != nil {
		return nil, err
	}
	for {
		tok := p.sc.Next()
		done, err := b.operator(tok)
		if err != nil {
			return nil, err
		}
		if done {
			p.sc.Rewind()
			break
		}
	}
	return b.finish()
}

func (b *exprBuilder) pushOperand(e ast.Expr) { b.operands = append(b.operands, e) }

func (b *exprBuilder) popOperand() ast.Expr {
	n := len(b.operands)
	e := b.operands[n-1]
	b.operands = b.operands[:n-1]
	return e
}

// topIsSentinel reports whether the nearest sentinel on the operator
// stack, looking past any binary operators pushed above it, is of kind.
// Callers collapse those binary operators before using the sentinel.
func (b *exprBuilder) topIsSentinel(kind sentinelKind) bool {
	for i := len(b.operators) - 1; i >= 0; i-- {
		if b.operators[i].isSentinel {
			return b.operators[i].sentinel == kind
		}
	}
	return false
}

// operand consumes tokens expecting the start of an operand: a literal,
// a unary-prefixed operand, a parenthesized expression, a call/array
// sentinel, or a plain variable.
func (b *exprBuilder) operand(tok lexer.Token) error {
	p := b.p
	switch tok.Kind {
	case lexer.Numeric:
		v, _ := strconv.ParseFloat(tok.Content, 64)
		b.pushOperand(&ast.LiteralNumeric{Value: v})
		return nil
	case lexer.String:
		b.pushOperand(&ast.LiteralString{Value: tok.Content})
		return nil
	case lexer.Operator:
		if opID, ok := bytecode.LookupUnary(tok.Content); ok {
			// The child is built on its own builder and driven until every
			// sentinel it opened is closed, so `-(a + b)` and `-f(x)`
			// apply to the whole group rather than its first operand.
			sub := &exprBuilder{p: p}
			if err := sub.operand(p.sc.Next()); err != nil {
				return err
			}
			for len(sub.operators) > 0 {
				done, err := sub.operator(p.sc.Next())
				if err != nil {
					return err
				}
				if done {
					return p.syntaxErr("expression", "unmatched parenthesis or bracket")
				}
			}
			child := sub.popOperand()
			b.pushOperand(&ast.UnaryOperator{Op: opID.String(), Operand: child})
			return nil
		}
		return p.syntaxErr("expression", "unexpected operator '"+tok.Content+"'")
	case lexer.ParenL:
		b.operators = append(b.operators, opEntry{isSentinel: true, sentinel: sentParen})
		next := p.sc.Next()
		return b.operand(next)
	case lexer.Identifier:
		nxt := p.sc.Next()
		switch nxt.Kind {
		case lexer.ParenL:
			b.operators = append(b.operators, opEntry{isSentinel: true, sentinel: sentCall, name: tok.Content})
			peek := p.sc.Next()
			if peek.Kind == lexer.ParenR {
				return b.closeSentinel(true)
			}
			return b.operand(peek)
		case lexer.BracketL:
			b.operators = append(b.operators, opEntry{isSentinel: true, sentinel: sentArrayAccess, name: tok.Content})
			next := p.sc.Next()
			return b.operand(next)
		default:
			p.sc.Rewind()
			b.pushOperand(&ast.Variable{Name: tok.Content})
			return nil
		}
	default:
		return p.syntaxErr("expression", "invalid expression")
	}
}

// operator consumes a token in operator position. It returns done=true
// when the token does not continue the expression (the scanner is
// rewound so the caller can re-read it).
func (b *exprBuilder) operator(tok lexer.Token) (bool, error) {
	p := b.p
	switch tok.Kind {
	case lexer.Operator:
		opID, ok := bytecode.LookupBinary(tok.Content)
		if !ok {
			return true, nil
		}
		if err := b.collapseWhile(opID.Precedence()); err != nil {
			return false, err
		}
		b.operators = append(b.operators, opEntry{op: opID})
		next := p.sc.Next()
		if err := b.operand(next); err != nil {
			return false, err
		}
		return false, nil
	case lexer.ParenR:
		if b.topIsSentinel(sentCall) {
			return false, b.closeSentinel(false)
		}
		if !b.topIsSentinel(sentParen) {
			return true, nil
		}
		if err := b.collapseToSentinel(); err != nil {
			return false, err
		}
		inner := b.popOperand()
		b.operators = b.operators[:len(b.operators)-1] // pop Paren sentinel
		b.pushOperand(&ast.Paren{Inner: inner})
		return false, nil
	case lexer.BracketR:
		if !b.topIsSentinel(sentArrayAccess) {
			return true, nil
		}
		if err := b.collapseToSentinel(); err != nil {
			return false, err
		}
		index := b.popOperand()
		name := b.operators[len(b.operators)-1].name
		b.operators = b.operators[:len(b.operators)-1]
		b.pushOperand(&ast.ArrayAccess{Name: name, Index: index})
		return false, nil
	case lexer.Comma:
		if !b.topIsSentinel(sentCall) {
			return true, nil
		}
		if err := b.collapseToSentinel(); err != nil {
			return false, err
		}
		arg := b.popOperand()
		top := len(b.operators) - 1
		b.operators[top].args = append(b.operators[top].args, arg)
		next := p.sc.Next()
		if err := b.operand(next); err != nil {
			return false, err
		}
		return false, nil
	default:
		return true, nil
	}
}

// closeSentinel finishes a Call sentinel, appending the last collapsed
// operand as its final argument unless empty is true (the zero-argument
// call case, where no operand was ever pushed for this call).
func (b *exprBuilder) closeSentinel(empty bool) error {
	if !empty {
		if err := b.collapseToSentinel(); err != nil {
			return err
		}
		arg := b.popOperand()
		top := len(b.operators) - 1
		b.operators[top].args = append(b.operators[top].args, arg)
	}
	top := len(b.operators) - 1
	name := b.operators[top].name
	args := b.operators[top].args
	b.operators = b.operators[:top]
	b.pushOperand(&ast.FunctionCall{Callee: name, Args: args})
	return nil
}

// collapseWhile pops and resolves binary operators whose precedence is
// at least minPrec, building binary-operator nodes left to right.
func (b *exprBuilder) collapseWhile(minPrec int) error {
	for len(b.operators) > 0 {
		top := b.operators[len(b.operators)-1]
		if top.isSentinel || top.op.Precedence() < minPrec {
			break
		}
		right := b.popOperand()
		left := b.popOperand()
		b.operators = b.operators[:len(b.operators)-1]
		b.pushOperand(&ast.BinaryOperator{Op: top.op.String(), Left: left, Right: right})
	}
	return nil
}

// collapseToSentinel resolves every binary operator above the nearest
// sentinel, leaving exactly one operand above it; the sentinel itself is
// left in place for the caller to finish processing.
func (b *exprBuilder) collapseToSentinel() error {
	for len(b.operators) > 0 {
		top := b.operators[len(b.operators)-1]
		if top.isSentinel {
			return nil
		}
		right := b.popOperand()
		left := b.popOperand()
		b.operators = b.operators[:len(b.operators)-1]
		b.pushOperand(&ast.BinaryOperator{Op: top.op.String(), Left: left, Right: right})
	}
	return b.p.syntaxErr("expression", "unmatched parenthesis or bracket")
}

func (b *exprBuilder) finish() (ast.Expr, error) {
	for len(b.operators) > 0 {
		top := b.operators[len(b.operators)-1]
		if top.isSentinel {
			return nil, b.p.syntaxErr("expression", "unmatched parenthesis or bracket")
		}
		right := b.popOperand()
		left := b.popOperand()
		b.operators = b.operators[:len(b.operators)-1]
		b.pushOperand(&ast.BinaryOperator{Op: top.op.String(), Left: left, Right: right})
	}
	if len(b.operands) != 1 {
		return nil, b.p.syntaxErr("expression", "invalid expression")
	}
	return b.popOperand(), nil
}
