package image

import (
	"testing"

	"github.com/kr/pretty"

	"khronicler/internal/bytecode"
	"khronicler/internal/compiler"
	"khronicler/internal/parser"
)

func buildContext(t *testing.T, src string) *compiler.Context {
	t.Helper()
	prog, err := parser.New(src).Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	ctx, err := compiler.Build(prog, compiler.DefaultBuildOptions())
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	return ctx
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	ctx := buildContext(t, `dim x = 1
func add(a, b)
  return a + b
end func
x = add(x, "hi" & "!")
`)
	raw, err := Marshal(ctx)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	img, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if img.Header.GlobalCount != len(ctx.Globals) {
		t.Errorf("GlobalCount = %d, want %d", img.Header.GlobalCount, len(ctx.Globals))
	}
	if len(img.Functions) != len(ctx.Functions) {
		t.Fatalf("got %d functions, want %d", len(img.Functions), len(ctx.Functions))
	}
	if img.Functions[0].Name != "add" || img.Functions[0].NumParams != 2 {
		t.Errorf("function record = %+v", img.Functions[0])
	}
	if len(img.Opcodes) != len(ctx.Opcodes) {
		t.Fatalf("got %d opcodes, want %d", len(img.Opcodes), len(ctx.Opcodes))
	}
	for i, want := range ctx.Opcodes {
		got := img.Opcodes[i]
		if got.Op != want.Op || got.Target != want.Target || got.FuncIndex != want.FuncIndex ||
			got.StrOffset != want.StrOffset || got.BuiltinID != want.BuiltinID ||
			got.Operator != want.Operator || got.Var != want.Var || got.Num != want.Num {
			for _, d := range pretty.Diff(want, got) {
				t.Errorf("opcode %d: %s", i, d)
			}
		}
	}
	if string(img.StringPool) != string(ctx.StringPool) {
		t.Errorf("string pool mismatch:\n got  %q\n want %q", img.StringPool, ctx.StringPool)
	}
}

func TestMarshalExtFuncStubsRoundTrip(t *testing.T) {
	ctx := buildContext(t, "exit 0\n")
	ctx.AddExtensionStub(3, "host_log", 1)
	ctx.AddExtensionStub(4, "host_read", 0)

	raw, err := Marshal(ctx)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	img, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(img.ExtFuncs) != 2 {
		t.Fatalf("got %d ext funcs, want 2", len(img.ExtFuncs))
	}
	if img.ExtFuncs[0].Name != "host_log" || img.ExtFuncs[0].Arity != 1 || img.ExtFuncs[0].CallID != 3 {
		t.Errorf("ext func 0 = %+v", img.ExtFuncs[0])
	}
	if img.ExtFuncs[1].Name != "host_read" || img.ExtFuncs[1].Arity != 0 || img.ExtFuncs[1].CallID != 4 {
		t.Errorf("ext func 1 = %+v", img.ExtFuncs[1])
	}
}

func TestMarshalBadMagicRejected(t *testing.T) {
	ctx := buildContext(t, "exit 0\n")
	raw, err := Marshal(ctx)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	corrupt := append([]byte{}, raw...)
	corrupt[0] = 'X'
	if _, err := Unmarshal(corrupt); err == nil {
		t.Fatal("expected Unmarshal to reject a corrupted magic header")
	}
}

func TestMarshalEmptyProgramHasZeroGlobalsAndFunctions(t *testing.T) {
	ctx := buildContext(t, "exit 0\n")
	raw, err := Marshal(ctx)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	img, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if img.Header.GlobalCount != 0 || len(img.Functions) != 0 {
		t.Errorf("header = %+v", img.Header)
	}
	if len(img.Opcodes) == 0 {
		t.Error("expected at least the trailing PushNum 0 / Stop opcodes")
	}
	last := img.Opcodes[len(img.Opcodes)-1]
	if last.Op != bytecode.Stop {
		t.Errorf("last opcode = %v, want Stop", last.Op)
	}
}

func TestExtensionIDSurvivesRoundTrip(t *testing.T) {
	prog, err := parser.New("exit 0\n").Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	opts := compiler.DefaultBuildOptions()
	opts.ExtensionID = "demo-ext"
	ctx, err := compiler.Build(prog, opts)
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	raw, err := Marshal(ctx)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	img, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if img.Header.ExtensionID != "demo-ext" {
		t.Errorf("ExtensionID = %q, want %q", img.Header.ExtensionID, "demo-ext")
	}
}
