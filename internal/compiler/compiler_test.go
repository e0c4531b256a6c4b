package compiler

import (
	"bytes"
	"log"
	"testing"

	"khronicler/internal/bytecode"
	kerrors "khronicler/internal/errors"
	"khronicler/internal/parser"
)

func mustBuild(t *testing.T, src string) *Context {
	t.Helper()
	prog, err := parser.New(src).Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	ctx, err := Build(prog, DefaultBuildOptions())
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	return ctx
}

func TestBuildSimpleAssignEndsWithStop(t *testing.T) {
	ctx := mustBuild(t, "dim x = 1\nx = x + 1\n")
	if len(ctx.Globals) != 1 || ctx.Globals[0].Name != "x" {
		t.Fatalf("globals = %+v", ctx.Globals)
	}
	last := ctx.Opcodes[len(ctx.Opcodes)-1]
	if last.Op != bytecode.Stop {
		t.Fatalf("last opcode = %v, want Stop", last.Op)
	}
}

func TestBuildResolvesGotoTargets(t *testing.T) {
	ctx := mustBuild(t, "goto done\n:done\nexit 0\n")
	found := false
	for _, op := range ctx.Opcodes {
		if op.Op == bytecode.Goto {
			found = true
			if op.LabelSlot != -1 {
				t.Errorf("goto opcode still carries an unresolved LabelSlot: %+v", op)
			}
			if op.Target < 0 || op.Target >= len(ctx.Opcodes) {
				t.Errorf("goto target %d out of range (len %d)", op.Target, len(ctx.Opcodes))
			}
		}
	}
	if !found {
		t.Fatal("no Goto opcode emitted")
	}
}

func TestBuildWhileLoopEmitsBackEdge(t *testing.T) {
	ctx := mustBuild(t, "dim x = 0\nwhile x < 3\n  x = x + 1\nend while\n")
	var sawUnless, sawGoto bool
	for _, op := range ctx.Opcodes {
		switch op.Op {
		case bytecode.UnlessGoto:
			sawUnless = true
		case bytecode.Goto:
			sawGoto = true
		}
	}
	if !sawUnless || !sawGoto {
		t.Errorf("expected both UnlessGoto (exit test) and Goto (back edge), got sawUnless=%v sawGoto=%v", sawUnless, sawGoto)
	}
}

func TestBuildFunctionDeclaration(t *testing.T) {
	ctx := mustBuild(t, "func add(a, b)\n  return a + b\nend func\ndim x = add(1, 2)\n")
	if len(ctx.Functions) != 1 {
		t.Fatalf("got %d functions, want 1", len(ctx.Functions))
	}
	fn := ctx.Functions[0]
	if fn.Name != "add" || fn.NumParams != 2 {
		t.Errorf("fn = %+v", fn)
	}
	var sawCall bool
	for _, op := range ctx.Opcodes {
		if op.Op == bytecode.CallFunc && op.FuncIndex == fn.Index {
			sawCall = true
		}
	}
	if !sawCall {
		t.Error("no CallFunc opcode targeting the declared function")
	}
}

func TestBuildDuplicateVarIsSemanticError(t *testing.T) {
	prog, err := parser.New("dim x = 1\ndim x = 2\n").Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	_, err = Build(prog, DefaultBuildOptions())
	if err == nil {
		t.Fatal("expected a semantic error for a duplicate variable")
	}
	semErr, ok := kerrors.AsSemanticError(err)
	if !ok {
		t.Fatalf("error = %v, want *errors.SemanticError", err)
	}
	if semErr.Code != kerrors.SemVarDuplicated {
		t.Errorf("code = %v, want SemVarDuplicated", semErr.Code)
	}
}

func TestBuildUnknownVarIsSemanticError(t *testing.T) {
	prog, err := parser.New("x = y + 1\n").Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	_, err = Build(prog, DefaultBuildOptions())
	if err == nil {
		t.Fatal("expected a semantic error for an unresolved variable")
	}
	semErr, ok := kerrors.AsSemanticError(err)
	if !ok || semErr.Code != kerrors.SemVarNotFound {
		t.Fatalf("error = %v, want SemVarNotFound", err)
	}
}

func TestBuildDuplicateFunctionIsSemanticError(t *testing.T) {
	prog, err := parser.New("func f()\nend func\nfunc f()\nend func\n").Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	_, err = Build(prog, DefaultBuildOptions())
	if err == nil {
		t.Fatal("expected a semantic error for a duplicate function")
	}
	semErr, ok := kerrors.AsSemanticError(err)
	if !ok || semErr.Code != kerrors.SemFuncDuplicated {
		t.Fatalf("error = %v, want SemFuncDuplicated", err)
	}
}

func TestBuildStringPoolInternsLiterals(t *testing.T) {
	ctx := mustBuild(t, `dim x = "hello"` + "\n")
	if len(ctx.StringPool) == 0 {
		t.Fatal("expected a non-empty string pool")
	}
	var sawPushStr bool
	for _, op := range ctx.Opcodes {
		if op.Op == bytecode.PushStr {
			sawPushStr = true
			if op.StrOffset < 0 || op.StrOffset >= len(ctx.StringPool) {
				t.Errorf("PushStr offset %d out of pool range (len %d)", op.StrOffset, len(ctx.StringPool))
			}
		}
	}
	if !sawPushStr {
		t.Error("no PushStr opcode emitted for the string literal")
	}
}

func TestBuildGotoWithinFunctionScope(t *testing.T) {
	mustBuild(t, "func f()\n:again\ngoto again\nend func\nexit 0\n")
}

func TestBuildGotoOuterLabelIsScopeMismatch(t *testing.T) {
	prog, err := parser.New(":outer\nfunc f()\ngoto outer\nend func\nexit 0\n").Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	_, err = Build(prog, DefaultBuildOptions())
	if err == nil {
		t.Fatal("expected a semantic error for a goto crossing a function boundary")
	}
	semErr, ok := kerrors.AsSemanticError(err)
	if !ok || semErr.Code != kerrors.SemGotoLabelScopeMismatch {
		t.Fatalf("error = %v, want SemGotoLabelScopeMismatch", err)
	}
}

func TestBuildUnknownLabelIsSemanticError(t *testing.T) {
	prog, err := parser.New("goto nowhere\n").Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	_, err = Build(prog, DefaultBuildOptions())
	semErr, ok := kerrors.AsSemanticError(err)
	if !ok || semErr.Code != kerrors.SemGotoLabelNotFound {
		t.Fatalf("error = %v, want SemGotoLabelNotFound", err)
	}
}

func TestBuildStringPoolOverflowIsSemanticError(t *testing.T) {
	prog, err := parser.New(`dim s = "0123456789abcdef"`+"\n").Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	opts := DefaultBuildOptions()
	opts.MaxStringPoolSize = 8
	_, err = Build(prog, opts)
	if err == nil {
		t.Fatal("expected a semantic error for a string pool overflow")
	}
	semErr, ok := kerrors.AsSemanticError(err)
	if !ok || semErr.Code != kerrors.SemStringPoolExceeded {
		t.Fatalf("error = %v, want SemStringPoolExceeded", err)
	}
}

func TestBuildPushStrOffsetsAreMonotonic(t *testing.T) {
	ctx := mustBuild(t, "dim a = \"one\"\ndim b = \"two\"\ndim c = \"three\"\n")
	prev := -1
	for _, op := range ctx.Opcodes {
		if op.Op == bytecode.PushStr {
			if op.StrOffset < prev {
				t.Errorf("PushStr offsets not non-decreasing: %d after %d", op.StrOffset, prev)
			}
			prev = op.StrOffset
		}
	}
}

func TestBuildSemanticErrorCarriesLine(t *testing.T) {
	prog, err := parser.New("dim x = 1\ny = 2\n").Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	_, err = Build(prog, DefaultBuildOptions())
	semErr, ok := kerrors.AsSemanticError(err)
	if !ok {
		t.Fatalf("error = %v, want *errors.SemanticError", err)
	}
	if semErr.Line != 2 {
		t.Errorf("line = %d, want 2", semErr.Line)
	}
}

func TestBuildLogsPassBoundaries(t *testing.T) {
	prog, err := parser.New("func f()\nend func\ndim x = 1\n").Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	var buf bytes.Buffer
	opts := DefaultBuildOptions()
	opts.Logger = log.New(&buf, "", 0)
	if _, err := Build(prog, opts); err != nil {
		t.Fatalf("build error: %v", err)
	}
	logged := buf.String()
	if !bytes.Contains([]byte(logged), []byte("pass 1 done")) {
		t.Errorf("log output missing pass 1 trace: %q", logged)
	}
	if !bytes.Contains([]byte(logged), []byte("pass 2 done")) {
		t.Errorf("log output missing pass 2 trace: %q", logged)
	}
}

func TestBuildExtensionStubSurvivesToContext(t *testing.T) {
	prog, err := parser.New("exit 0\n").Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	ctx, err := Build(prog, DefaultBuildOptions())
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	ctx.AddExtensionStub(7, "host_fn", 2)
	if len(ctx.ExtFuncs) != 1 || ctx.ExtFuncs[0].Name != "host_fn" || ctx.ExtFuncs[0].Arity != 2 {
		t.Errorf("ExtFuncs = %+v", ctx.ExtFuncs)
	}
}
