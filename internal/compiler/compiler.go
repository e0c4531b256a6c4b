// Package compiler turns an ast.Program into a compiled Context: a
// resolved string pool, function table, and opcode stream ready for the
// serializer.
//
// Compilation is two passes: the first collects declarations and
// allocates a label slot for every jump target; the second emits
// opcodes whose jumps name a slot index, and a final backpatch copies
// each slot's resolved position into the opcode. No jump ever carries
// a raw pointer.
package compiler

import (
	"fmt"
	"log"

	"khronicler/internal/ast"
	"khronicler/internal/bytecode"
	kerrors "khronicler/internal/errors"

	"golang.org/x/exp/slices"
)

// BuildOptions configures the size limits the compiler enforces. The
// defaults keep identifiers short enough for the binary image's
// fixed-width name fields and cap the string pool generously for an
// embedder that isn't memory constrained.
type BuildOptions struct {
	ExtensionID       string
	MaxIdentifierLen  int
	MaxStringPoolSize int

	// Logger, if non-nil, receives one trace line at each pass-1/pass-2
	// boundary. Nil by default: a Build call costs nothing extra unless
	// an embedder asks for it.
	Logger *log.Logger
}

// DefaultBuildOptions returns the toolchain's default limits.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{MaxIdentifierLen: 15, MaxStringPoolSize: 4096}
}

// VarKind distinguishes a scalar variable slot from an array slot,
// fixed at Dim/DimArray time.
type VarKind int

const (
	VarPrimitive VarKind = iota
	VarArray
)

// VarDecl is one resolved variable slot, global or local to a function.
type VarDecl struct {
	Name  string
	Index int
	Kind  VarKind
}

// FuncDecl is one resolved user function.
type FuncDecl struct {
	Name        string
	Index       int
	NumParams   int
	Locals      []VarDecl // params first, then locally Dim'd variables
	OpcodeStart int
}

func (f *FuncDecl) findLocal(name string) (*VarDecl, bool) {
	for i := range f.Locals {
		if f.Locals[i].Name == name {
			return &f.Locals[i], true
		}
	}
	return nil, false
}

// GotoLabel is a resolved goto target, scoped to a function (or global
// when Func is nil); lookups never cross a function boundary.
type GotoLabel struct {
	Name string
	Func *FuncDecl
	Slot int
}

// ExtFuncStub is one host-provided function stub declared by an
// extension; only the (call_id, name, arity) triple is carried through
// to the binary image.
type ExtFuncStub struct {
	CallID int
	Name   string
	Arity  int
}

type ctrlKind int

const (
	cfFunction ctrlKind = iota
	cfIf
	cfWhile
	cfDoWhile
	cfFor
)

// ctrlBundle is the per-control-flow-node label bundle, one entry per
// control id, indexed by ast.ControlNode.ControlID()-1. Every
// field is a slot index into Context.slots, not a raw position, so
// forward references (almost every field here is written after it is
// first read) go through the same backpatch pass as goto labels.
type ctrlBundle struct {
	kind ctrlKind

	endPos int // Function, If, While, DoWhile, For

	thenEndPos   int // If
	elseifEndPos []int

	condPos int // While, DoWhile, For

	startPos int // DoWhile

	increasePos int // For
}

// Context is the compiled intermediate form the serializer consumes.
type Context struct {
	Globals     []VarDecl
	Functions   []*FuncDecl
	StringPool  []byte
	Opcodes     []bytecode.Opcode
	Labels      []*GotoLabel
	ExtensionID string
	ExtFuncs    []ExtFuncStub

	CurrentFunc *FuncDecl

	bundles []*ctrlBundle // indexed by control id - 1
	slots   []int         // -1 until bound

	opts BuildOptions
}

func newContext(opts BuildOptions) *Context {
	return &Context{ExtensionID: opts.ExtensionID, opts: opts}
}

func (c *Context) newSlot() int {
	c.slots = append(c.slots, -1)
	return len(c.slots) - 1
}

func (c *Context) bindSlot(slot, pos int) { c.slots[slot] = pos }

func (c *Context) pos() int { return len(c.Opcodes) }

func (c *Context) emit(op bytecode.Opcode) int {
	c.Opcodes = append(c.Opcodes, op)
	return len(c.Opcodes) - 1
}

func (c *Context) emitJump(op bytecode.Op, slot int) {
	c.emit(bytecode.NewJump(op, slot))
}

// Build runs both compiler passes over program, returning the finished
// Context or the first semantic error encountered.
func Build(program *ast.Program, opts BuildOptions) (*Context, error) {
	ctx := newContext(opts)
	ctx.bundles = make([]*ctrlBundle, program.Count)

	if err := ctx.collectPass(program.Body, nil); err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		opts.Logger.Printf("compiler: pass 1 done, %d globals, %d functions, %d control nodes",
			len(ctx.Globals), len(ctx.Functions), program.Count)
	}

	em := &emitter{ctx: ctx}
	if err := em.stmts(program.Body); err != nil {
		return nil, err
	}
	ctx.emit(bytecode.Opcode{Op: bytecode.PushNum, Num: 0})
	ctx.emit(bytecode.Opcode{Op: bytecode.Stop})
	if opts.Logger != nil {
		opts.Logger.Printf("compiler: pass 2 done, %d opcodes, %d bytes string pool",
			len(ctx.Opcodes), len(ctx.StringPool))
	}

	for i := range ctx.Opcodes {
		op := &ctx.Opcodes[i]
		if op.Op == bytecode.Goto || op.Op == bytecode.IfGoto || op.Op == bytecode.UnlessGoto {
			op.Target = ctx.slots[op.LabelSlot]
			op.LabelSlot = -1
		}
	}
	return ctx, nil
}

// collectPass is pass 1: it walks the whole tree once, registering
// function declarations, goto labels, and allocating a label-slot
// bundle for every control-flow node, before any opcode is emitted.
func (c *Context) collectPass(body []ast.Stmt, fn *FuncDecl) error {
	for _, stmt := range body {
		if err := c.collectStmt(stmt, fn); err != nil {
			return semErrAtLine(err, stmt.Line())
		}
	}
	return nil
}

func (c *Context) collectStmt(stmt ast.Stmt, fn *FuncDecl) error {
	switch n := stmt.(type) {
	case *ast.FunctionDeclare:
		if len(n.Name) > c.opts.MaxIdentifierLen {
			return kerrors.NewSemanticError(kerrors.SemFuncNameTooLong, n.Name)
		}
		if slices.ContainsFunc(c.Functions, func(f *FuncDecl) bool { return f.Name == n.Name }) {
			return kerrors.NewSemanticError(kerrors.SemFuncDuplicated, n.Name)
		}
		newFn := &FuncDecl{Name: n.Name, Index: len(c.Functions), NumParams: len(n.Params)}
		for _, p := range n.Params {
			newFn.Locals = append(newFn.Locals, VarDecl{Name: p, Index: len(newFn.Locals), Kind: VarPrimitive})
		}
		c.Functions = append(c.Functions, newFn)
		c.allocBundle(n.ControlID(), &ctrlBundle{kind: cfFunction, endPos: c.newSlot()})
		return c.collectPass(n.Body, newFn)
	case *ast.If:
		b := &ctrlBundle{kind: cfIf, thenEndPos: c.newSlot(), endPos: c.newSlot()}
		for range n.ElseIfs {
			b.elseifEndPos = append(b.elseifEndPos, c.newSlot())
		}
		c.allocBundle(n.ControlID(), b)
		if err := c.collectPass(n.Then, fn); err != nil {
			return err
		}
		for _, ei := range n.ElseIfs {
			if err := c.collectPass(ei.Body, fn); err != nil {
				return err
			}
		}
		return c.collectPass(n.Else, fn)
	case *ast.While:
		c.allocBundle(n.ControlID(), &ctrlBundle{kind: cfWhile, condPos: c.newSlot(), endPos: c.newSlot()})
		return c.collectPass(n.Body, fn)
	case *ast.DoWhile:
		c.allocBundle(n.ControlID(), &ctrlBundle{kind: cfDoWhile, startPos: c.newSlot(), condPos: c.newSlot(), endPos: c.newSlot()})
		return c.collectPass(n.Body, fn)
	case *ast.For:
		c.allocBundle(n.ControlID(), &ctrlBundle{kind: cfFor, condPos: c.newSlot(), increasePos: c.newSlot(), endPos: c.newSlot()})
		return c.collectPass(n.Body, fn)
	case *ast.LabelDeclare:
		if len(n.Name) > c.opts.MaxIdentifierLen {
			return kerrors.NewSemanticError(kerrors.SemLabelNameTooLong, n.Name)
		}
		if slices.ContainsFunc(c.Labels, func(l *GotoLabel) bool { return l.Name == n.Name && l.Func == fn }) {
			return kerrors.NewSemanticError(kerrors.SemLabelDuplicated, n.Name)
		}
		c.Labels = append(c.Labels, &GotoLabel{Name: n.Name, Func: fn, Slot: c.newSlot()})
		return nil
	}
	return nil
}

func (c *Context) allocBundle(controlID int, b *ctrlBundle) { c.bundles[controlID-1] = b }

func (c *Context) bundle(controlID int) *ctrlBundle { return c.bundles[controlID-1] }

func (c *Context) findLabel(name string, fn *FuncDecl) (*GotoLabel, bool) {
	for _, l := range c.Labels {
		if l.Name == name {
			if l.Func == fn {
				return l, true
			}
		}
	}
	return nil, false
}

func (c *Context) labelExistsAnyScope(name string) bool {
	for _, l := range c.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// internString appends s NUL-terminated to the pool and returns its
// start offset, or a SEM_STR_POOL_EXCEED error if the pool's fixed
// capacity would be exceeded.
func (c *Context) internString(s string) (int, error) {
	offset := len(c.StringPool)
	needed := offset + len(s) + 1
	if needed > c.opts.MaxStringPoolSize {
		return 0, kerrors.NewSemanticErrorf(kerrors.SemStringPoolExceeded, s,
			"string pool would grow to %d bytes, exceeding the %d byte cap", needed, c.opts.MaxStringPoolSize)
	}
	c.StringPool = append(c.StringPool, s...)
	c.StringPool = append(c.StringPool, 0)
	return offset, nil
}

// declareVar appends a new variable declaration in the current scope
// (CurrentFunc's locals if compiling inside a function, else Globals),
// after checking name length and uniqueness.
func (c *Context) declareVar(name string, kind VarKind) (*VarDecl, error) {
	if len(name) > c.opts.MaxIdentifierLen {
		return nil, kerrors.NewSemanticError(kerrors.SemVarNameTooLong, name)
	}
	if c.CurrentFunc != nil {
		if _, ok := c.CurrentFunc.findLocal(name); ok {
			return nil, kerrors.NewSemanticError(kerrors.SemVarDuplicated, name)
		}
		c.CurrentFunc.Locals = append(c.CurrentFunc.Locals, VarDecl{Name: name, Index: len(c.CurrentFunc.Locals), Kind: kind})
		return &c.CurrentFunc.Locals[len(c.CurrentFunc.Locals)-1], nil
	}
	if slices.ContainsFunc(c.Globals, func(v VarDecl) bool { return v.Name == name }) {
		return nil, kerrors.NewSemanticError(kerrors.SemVarDuplicated, name)
	}
	c.Globals = append(c.Globals, VarDecl{Name: name, Index: len(c.Globals), Kind: kind})
	return &c.Globals[len(c.Globals)-1], nil
}

// resolveVar looks up name first in the current function's locals,
// then in Globals.
func (c *Context) resolveVar(name string) (bytecode.VarRef, VarKind, error) {
	if c.CurrentFunc != nil {
		if v, ok := c.CurrentFunc.findLocal(name); ok {
			return bytecode.VarRef{Local: true, Index: v.Index}, v.Kind, nil
		}
	}
	for i := range c.Globals {
		if c.Globals[i].Name == name {
			return bytecode.VarRef{Local: false, Index: c.Globals[i].Index}, c.Globals[i].Kind, nil
		}
	}
	return bytecode.VarRef{}, VarPrimitive, kerrors.NewSemanticError(kerrors.SemVarNotFound, name)
}

func (c *Context) findFunc(name string) (*FuncDecl, bool) {
	for _, f := range c.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// AddExtensionStub registers a host-provided function stub; the
// compiler carries it through to the binary image without resolving or
// validating calls against it.
func (c *Context) AddExtensionStub(callID int, name string, arity int) {
	c.ExtFuncs = append(c.ExtFuncs, ExtFuncStub{CallID: callID, Name: name, Arity: arity})
}

func (c *Context) String() string {
	return fmt.Sprintf("Context{globals=%d funcs=%d opcodes=%d strpool=%dB}",
		len(c.Globals), len(c.Functions), len(c.Opcodes), len(c.StringPool))
}
