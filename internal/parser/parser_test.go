package parser

import (
	"testing"

	"khronicler/internal/ast"
)

func mustParse(t *testing.T, src string) *ast.Program {
	t.Helper()
	prog, err := New(src).Parse()
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	return prog
}

func TestParseDimAndAssign(t *testing.T) {
	prog := mustParse(t, "dim x = 1\nx = x + 1\n")
	if len(prog.Body) != 2 {
		t.Fatalf("got %d statements, want 2", len(prog.Body))
	}
	if _, ok := prog.Body[0].(*ast.Dim); !ok {
		t.Errorf("stmt 0 = %T, want *ast.Dim", prog.Body[0])
	}
	if _, ok := prog.Body[1].(*ast.Assign); !ok {
		t.Errorf("stmt 1 = %T, want *ast.Assign", prog.Body[1])
	}
}

func TestParseDimArrayAndIndexAssign(t *testing.T) {
	prog := mustParse(t, "dim arr[10]\narr[0] = 5\n")
	if _, ok := prog.Body[0].(*ast.DimArray); !ok {
		t.Errorf("stmt 0 = %T, want *ast.DimArray", prog.Body[0])
	}
	if _, ok := prog.Body[1].(*ast.AssignArray); !ok {
		t.Errorf("stmt 1 = %T, want *ast.AssignArray", prog.Body[1])
	}
}

func TestParseRedim(t *testing.T) {
	prog := mustParse(t, "dim arr[10]\nredim arr[20]\n")
	if _, ok := prog.Body[1].(*ast.Redim); !ok {
		t.Errorf("stmt 1 = %T, want *ast.Redim", prog.Body[1])
	}
}

func TestParseIfBlock(t *testing.T) {
	src := "dim x = 1\nif x > 0\n  x = 2\nelseif x < 0\n  x = 3\nelse\n  x = 4\nend if\n"
	prog := mustParse(t, src)
	ifStmt, ok := prog.Body[1].(*ast.If)
	if !ok {
		t.Fatalf("stmt 1 = %T, want *ast.If", prog.Body[1])
	}
	if len(ifStmt.ElseIfs) != 1 {
		t.Errorf("got %d elseif branches, want 1", len(ifStmt.ElseIfs))
	}
	if len(ifStmt.Else) != 1 {
		t.Errorf("got %d else statements, want 1", len(ifStmt.Else))
	}
}

func TestParseIfGoto(t *testing.T) {
	src := "dim x = 1\nif x > 0 goto done\nx = 9\n:done\n"
	prog := mustParse(t, src)
	if _, ok := prog.Body[1].(*ast.IfGoto); !ok {
		t.Fatalf("stmt 1 = %T, want *ast.IfGoto", prog.Body[1])
	}
	if _, ok := prog.Body[3].(*ast.LabelDeclare); !ok {
		t.Fatalf("stmt 3 = %T, want *ast.LabelDeclare", prog.Body[3])
	}
}

func TestParseWhileLoop(t *testing.T) {
	src := "dim x = 0\nwhile x < 10\n  x = x + 1\n  break\n  continue\nend while\n"
	prog := mustParse(t, src)
	w, ok := prog.Body[1].(*ast.While)
	if !ok {
		t.Fatalf("stmt 1 = %T, want *ast.While", prog.Body[1])
	}
	if len(w.Body) != 3 {
		t.Errorf("got %d body statements, want 3", len(w.Body))
	}
}

func TestParseDoWhileLoop(t *testing.T) {
	src := "dim x = 0\ndo\n  x = x + 1\nend while x < 10\n"
	prog := mustParse(t, src)
	if _, ok := prog.Body[1].(*ast.DoWhile); !ok {
		t.Fatalf("stmt 1 = %T, want *ast.DoWhile", prog.Body[1])
	}
}

func TestParseForLoop(t *testing.T) {
	src := "for i = 1 to 10 step 2\n  x = i\nnext i\n"
	prog := mustParse(t, src)
	f, ok := prog.Body[0].(*ast.For)
	if !ok {
		t.Fatalf("stmt 0 = %T, want *ast.For", prog.Body[0])
	}
	if f.Var != "i" {
		t.Errorf("loop var = %q, want %q", f.Var, "i")
	}
	if f.Step == nil {
		t.Errorf("expected a step expression")
	}
}

func TestParseFunctionWithReturn(t *testing.T) {
	src := "func add(a, b)\n  return a + b\nend func\n"
	prog := mustParse(t, src)
	fn, ok := prog.Body[0].(*ast.FunctionDeclare)
	if !ok {
		t.Fatalf("stmt 0 = %T, want *ast.FunctionDeclare", prog.Body[0])
	}
	if fn.Name != "add" || len(fn.Params) != 2 {
		t.Errorf("fn = %+v", fn)
	}
	if _, ok := fn.Body[0].(*ast.Return); !ok {
		t.Fatalf("fn body 0 = %T, want *ast.Return", fn.Body[0])
	}
}

func TestParseExitAndGoto(t *testing.T) {
	src := "exit 1\ngoto fin\n:fin\n"
	prog := mustParse(t, src)
	if _, ok := prog.Body[0].(*ast.Exit); !ok {
		t.Fatalf("stmt 0 = %T, want *ast.Exit", prog.Body[0])
	}
	if _, ok := prog.Body[1].(*ast.Goto); !ok {
		t.Fatalf("stmt 1 = %T, want *ast.Goto", prog.Body[1])
	}
}

func TestParseExpressionPrecedence(t *testing.T) {
	prog := mustParse(t, "x = 1 + 2 * 3\n")
	assign, ok := prog.Body[0].(*ast.Assign)
	if !ok {
		t.Fatalf("stmt 0 = %T, want *ast.Assign", prog.Body[0])
	}
	top, ok := assign.Value.(*ast.BinaryOperator)
	if !ok {
		t.Fatalf("value = %T, want *ast.BinaryOperator", assign.Value)
	}
	if top.Op != "Add" {
		t.Errorf("top operator = %q, want %q", top.Op, "Add")
	}
	rhs, ok := top.Right.(*ast.BinaryOperator)
	if !ok || rhs.Op != "Mul" {
		t.Errorf("right operand = %+v, want a Mul BinaryOperator", top.Right)
	}
}

func TestParseCallAndArrayAccess(t *testing.T) {
	prog := mustParse(t, "x = add(1, 2) + arr[0]\n")
	assign := prog.Body[0].(*ast.Assign)
	top := assign.Value.(*ast.BinaryOperator)
	if _, ok := top.Left.(*ast.FunctionCall); !ok {
		t.Errorf("left = %T, want *ast.FunctionCall", top.Left)
	}
	if _, ok := top.Right.(*ast.ArrayAccess); !ok {
		t.Errorf("right = %T, want *ast.ArrayAccess", top.Right)
	}
}

func TestParseUnaryAndParens(t *testing.T) {
	prog := mustParse(t, "x = -(1 + 2)\n")
	assign := prog.Body[0].(*ast.Assign)
	un, ok := assign.Value.(*ast.UnaryOperator)
	if !ok {
		t.Fatalf("value = %T, want *ast.UnaryOperator", assign.Value)
	}
	if _, ok := un.Operand.(*ast.Paren); !ok {
		t.Errorf("operand = %T, want *ast.Paren", un.Operand)
	}
}

func TestParseUnterminatedIfIsSyntaxError(t *testing.T) {
	_, err := New("if 1 > 0\n  x = 1\n").Parse()
	if err == nil {
		t.Fatal("expected a syntax error for an unterminated if block")
	}
}

func TestParseMismatchedEndIsSyntaxError(t *testing.T) {
	_, err := New("while 1\nend func\n").Parse()
	if err == nil {
		t.Fatal("expected a syntax error for a mismatched end keyword")
	}
}

func TestParseBreakOutsideLoopIsSyntaxError(t *testing.T) {
	_, err := New("break\n").Parse()
	if err == nil {
		t.Fatal("expected a syntax error for break outside a loop")
	}
}

func TestParseLabelSignDeclaration(t *testing.T) {
	prog := mustParse(t, ":start\ngoto start\n")
	label, ok := prog.Body[0].(*ast.LabelDeclare)
	if !ok {
		t.Fatalf("stmt 0 = %T, want *ast.LabelDeclare", prog.Body[0])
	}
	if label.Name != "start" {
		t.Errorf("label name = %q, want %q", label.Name, "start")
	}
}

func TestParseSemicolonSeparatesStatements(t *testing.T) {
	prog := mustParse(t, "dim x = 1; x = 2\n")
	if len(prog.Body) != 2 {
		t.Fatalf("got %d statements, want 2", len(prog.Body))
	}
}

func TestParseDeeplyNestedParens(t *testing.T) {
	const depth = 100
	src := "x = "
	for i := 0; i < depth; i++ {
		src += "("
	}
	src += "1"
	for i := 0; i < depth; i++ {
		src += ")"
	}
	src += "\n"
	prog := mustParse(t, src)
	assign := prog.Body[0].(*ast.Assign)
	inner := assign.Value
	for i := 0; i < depth; i++ {
		paren, ok := inner.(*ast.Paren)
		if !ok {
			t.Fatalf("depth %d: node = %T, want *ast.Paren", i, inner)
		}
		inner = paren.Inner
	}
	if _, ok := inner.(*ast.LiteralNumeric); !ok {
		t.Fatalf("innermost node = %T, want *ast.LiteralNumeric", inner)
	}
}

func TestParseStatementsCarryLineNumbers(t *testing.T) {
	prog := mustParse(t, "dim x = 1\nx = 2\n")
	if got := prog.Body[0].Line(); got != 1 {
		t.Errorf("stmt 0 line = %d, want 1", got)
	}
	if got := prog.Body[1].Line(); got != 2 {
		t.Errorf("stmt 1 line = %d, want 2", got)
	}
}

func TestProgramCountTracksControlNodes(t *testing.T) {
	src := "while 1\n  if 1\n  end if\nend while\n"
	prog := mustParse(t, src)
	if prog.Count < 2 {
		t.Errorf("Count = %d, want at least 2 control ids", prog.Count)
	}
}
