// Package vm executes a serialized Khronicler binary image: an operand
// stack, a call-frame stack, global and per-frame local variable
// arrays, built-in dispatch, and a tagged runtime value taxonomy.
//
// Runtime values form a closed set of concrete types (Nil, Number,
// String, Array, ArrayRef) rather than an untyped interface{}
// grab-bag, so the owner/reference invariants are type-checkable
// instead of convention-only.
package vm

import (
	"context"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"strconv"

	"github.com/google/uuid"

	"khronicler/internal/bytecode"
	kerrors "khronicler/internal/errors"
	"khronicler/internal/image"
)

// DebugHook observes the machine's execution without being able to
// alter it; a debugger or trace logger implements this instead of the
// VM growing debugger-specific branches in its dispatch loop.
type DebugHook interface {
	OnInstruction(ip int, op bytecode.Opcode)
	OnCall(funcIndex int, ip int)
	OnReturn(funcIndex int, ip int)
	OnError(err error)
}

// NopHook implements DebugHook with no-ops, for callers that only want
// to override one or two methods.
type NopHook struct{}

func (NopHook) OnInstruction(int, bytecode.Opcode) {}
func (NopHook) OnCall(int, int)                    {}
func (NopHook) OnReturn(int, int)                  {}
func (NopHook) OnError(error)                      {}

// LogHook implements DebugHook over a stdlib *log.Logger. Calls and
// returns are logged at a glance (function index and ip); instructions
// are not, since that would dominate the log with one line per opcode
// for any nontrivial run.
type LogHook struct {
	Logger *log.Logger
}

func (h LogHook) OnInstruction(int, bytecode.Opcode) {}

func (h LogHook) OnCall(funcIndex, ip int) {
	h.Logger.Printf("call func=%d ip=%d", funcIndex, ip)
}

func (h LogHook) OnReturn(funcIndex, ip int) {
	h.Logger.Printf("return func=%d ip=%d", funcIndex, ip)
}

func (h LogHook) OnError(err error) {
	h.Logger.Printf("error: %v", err)
}

// Options configures one machine run.
type Options struct {
	Stdout    io.Writer
	Hook      DebugHook
	ApproxEps float64 // relative epsilon for the ~= operator; defaults to 1e-9
	RandSeed  int64   // seeds the rand builtin
	MaxSteps  int     // 0 means unbounded
}

// DefaultOptions returns a machine configuration that writes print
// output to os.Stdout and never times out.
func DefaultOptions() Options {
	return Options{Stdout: os.Stdout, Hook: NopHook{}, ApproxEps: 1e-9, RandSeed: 1}
}

type frame struct {
	returnIP  int
	funcIndex int
	locals    []Value
}

// Machine executes one loaded image to completion or to a runtime
// error. A Machine is single-use: construct a fresh one per run.
type Machine struct {
	img     *image.Image
	globals []Value
	stack   []Value
	frames  []frame
	ip      int

	opts   Options
	rng    *rand.Rand
	runID  uuid.UUID
	halted bool
	exit   Value
}

// New constructs a Machine ready to execute img.
func New(img *image.Image, opts Options) *Machine {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Hook == nil {
		opts.Hook = NopHook{}
	}
	if opts.ApproxEps == 0 {
		opts.ApproxEps = 1e-9
	}
	globals := make([]Value, img.Header.GlobalCount)
	for i := range globals {
		globals[i] = Number(0)
	}
	return &Machine{
		img:     img,
		globals: globals,
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.RandSeed)),
		runID:   uuid.New(),
	}
}

// RunID identifies this execution, for correlating debug hook output
// and error reports across a batch of runs.
func (m *Machine) RunID() uuid.UUID { return m.runID }

// Global returns the i'th global variable's value, for embedders
// inspecting program state after a run. Returns Nil for an index the
// image never declared.
func (m *Machine) Global(i int) Value {
	if i < 0 || i >= len(m.globals) {
		return Nil{}
	}
	return m.globals[i]
}

// Run dispatches opcodes from position 0 until a Stop opcode is
// reached, ctx is cancelled, or a runtime error is raised. It returns
// the exit value left on the stack by Stop.
func (m *Machine) Run(ctx context.Context) (Value, error) {
	steps := 0
	for !m.halted {
		if err := ctx.Err(); err != nil {
			return Nil{}, err
		}
		if m.opts.MaxSteps > 0 && steps >= m.opts.MaxSteps {
			return Nil{}, kerrors.NewRuntimeError(kerrors.RtUnknownOpcode, m.ip, "step-limit")
		}
		if m.ip < 0 || m.ip >= len(m.img.Opcodes) {
			err := kerrors.NewRuntimeError(kerrors.RtUnknownOpcode, m.ip, "ip-out-of-range")
			m.opts.Hook.OnError(err)
			return Nil{}, err
		}
		op := m.img.Opcodes[m.ip]
		m.opts.Hook.OnInstruction(m.ip, op)
		if err := m.step(op); err != nil {
			m.opts.Hook.OnError(err)
			return Nil{}, err
		}
		steps++
	}
	return m.exit, nil
}

func (m *Machine) push(v Value) { m.stack = append(m.stack, v) }

func (m *Machine) pop(opIdx int, mnemonic string) (Value, error) {
	if len(m.stack) == 0 {
		return nil, kerrors.NewRuntimeError(kerrors.RtStackUnderflow, opIdx, mnemonic)
	}
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v, nil
}

func (m *Machine) popNumber(opIdx int, mnemonic string) (Number, error) {
	v, err := m.pop(opIdx, mnemonic)
	if err != nil {
		return 0, err
	}
	n, ok := v.(Number)
	if !ok {
		return 0, kerrors.NewRuntimeError(kerrors.RtTypeMismatch, opIdx, mnemonic+"/"+typeNameOf(v))
	}
	return n, nil
}

func (m *Machine) currentLocals() []Value {
	if len(m.frames) == 0 {
		return nil
	}
	return m.frames[len(m.frames)-1].locals
}

func (m *Machine) readVar(ref bytecode.VarRef) Value {
	if ref.Local {
		return m.currentLocals()[ref.Index]
	}
	return m.globals[ref.Index]
}

func (m *Machine) writeVar(ref bytecode.VarRef, v Value) {
	if ref.Local {
		m.currentLocals()[ref.Index] = v
	} else {
		m.globals[ref.Index] = v
	}
}

// step dispatches a single opcode. ip is advanced to the next
// instruction before returning, except for Goto/IfGoto/UnlessGoto
// (which set it directly), CallFunc (which pushes a frame and jumps),
// and Return/Stop (which pop a frame or halt instead).
func (m *Machine) step(op bytecode.Opcode) error {
	idx := m.ip
	mnem := op.Op.String()

	switch op.Op {
	case bytecode.PushNum:
		m.push(Number(op.Num))
		m.ip++

	case bytecode.PushStr:
		m.push(m.stringAt(op.StrOffset))
		m.ip++

	case bytecode.PushVar:
		v := m.readVar(op.Var)
		m.push(refFlavor(v))
		m.ip++

	case bytecode.SetVar:
		v, err := m.pop(idx, mnem)
		if err != nil {
			return err
		}
		m.writeVar(op.Var, ownedFlavor(v))
		m.ip++

	case bytecode.SetVarAsArray:
		n, err := m.popNumber(idx, mnem)
		if err != nil {
			return err
		}
		size := int(n)
		if size <= 0 {
			return kerrors.NewRuntimeError(kerrors.RtArrayInvalidSize, idx, mnem)
		}
		if existing, ok := m.readVar(op.Var).(*Array); ok {
			existing.Resize(size)
		} else {
			m.writeVar(op.Var, NewArray(size))
		}
		m.ip++

	case bytecode.ArrGet:
		idxVal, err := m.popNumber(idx, mnem)
		if err != nil {
			return err
		}
		refVal, err := m.pop(idx, mnem)
		if err != nil {
			return err
		}
		arr, err := m.resolveArrayRef(refVal, idx, mnem)
		if err != nil {
			return err
		}
		i := int(idxVal)
		if i < 0 || i >= len(arr.Slots) {
			return kerrors.NewRuntimeError(kerrors.RtArrayOutOfBounds, idx, mnem)
		}
		m.push(arr.Slots[i])
		m.ip++

	case bytecode.ArrSet:
		val, err := m.pop(idx, mnem)
		if err != nil {
			return err
		}
		idxVal, err := m.popNumber(idx, mnem)
		if err != nil {
			return err
		}
		refVal, err := m.pop(idx, mnem)
		if err != nil {
			return err
		}
		arr, err := m.resolveArrayRef(refVal, idx, mnem)
		if err != nil {
			return err
		}
		i := int(idxVal)
		if i < 0 || i >= len(arr.Slots) {
			return kerrors.NewRuntimeError(kerrors.RtArrayOutOfBounds, idx, mnem)
		}
		arr.Slots[i] = ownedFlavor(val)
		m.ip++

	case bytecode.Pop:
		if _, err := m.pop(idx, mnem); err != nil {
			return err
		}
		m.ip++

	case bytecode.UnaryOp:
		if err := m.unaryOp(op.Operator, idx, mnem); err != nil {
			return err
		}
		m.ip++

	case bytecode.BinaryOp:
		if err := m.binaryOp(op.Operator, idx, mnem); err != nil {
			return err
		}
		m.ip++

	case bytecode.CallBuiltIn:
		if err := m.callBuiltin(op.BuiltinID, idx, mnem); err != nil {
			return err
		}
		m.ip++

	case bytecode.CallFunc:
		if err := m.callFunc(op.FuncIndex, idx, mnem); err != nil {
			return err
		}

	case bytecode.Goto:
		m.ip = op.Target

	case bytecode.IfGoto:
		cond, err := m.pop(idx, mnem)
		if err != nil {
			return err
		}
		if cond.Truthy() {
			m.ip = op.Target
		} else {
			m.ip++
		}

	case bytecode.UnlessGoto:
		cond, err := m.pop(idx, mnem)
		if err != nil {
			return err
		}
		if !cond.Truthy() {
			m.ip = op.Target
		} else {
			m.ip++
		}

	case bytecode.Return:
		if err := m.doReturn(idx, mnem); err != nil {
			return err
		}

	case bytecode.Stop:
		v, err := m.pop(idx, mnem)
		if err != nil {
			return err
		}
		m.exit = v
		m.halted = true

	default:
		return kerrors.NewRuntimeError(kerrors.RtUnknownOpcode, idx, mnem)
	}
	return nil
}

func (m *Machine) stringAt(offset int) String {
	pool := m.img.StringPool
	end := offset
	for end < len(pool) && pool[end] != 0 {
		end++
	}
	return String{Bytes: string(pool[offset:end]), Owned: false}
}

// refFlavor is what PushVar puts on the stack: a non-owning view of the
// slot's current value. Arrays are re-wrapped as an ArrayRef carrying
// the backing array's current generation; everything else is a value
// copy already, so only strings need their Owned bit cleared.
func refFlavor(v Value) Value {
	switch t := v.(type) {
	case *Array:
		return t.NewRef()
	case String:
		return t.Ref()
	default:
		return v
	}
}

// ownedFlavor is what SetVar/ArrSet commit into a slot: a string
// becomes owned by its new holder.
func ownedFlavor(v Value) Value {
	if s, ok := v.(String); ok {
		return String{Bytes: s.Bytes, Owned: true}
	}
	return v
}

func (m *Machine) resolveArrayRef(v Value, idx int, mnem string) (*Array, error) {
	switch t := v.(type) {
	case ArrayRef:
		if !t.Live() {
			return nil, kerrors.NewRuntimeError(kerrors.RtInvalidArrayRef, idx, mnem)
		}
		return t.Target, nil
	case *Array:
		return t, nil
	default:
		return nil, kerrors.NewRuntimeError(kerrors.RtNotArray, idx, mnem)
	}
}

func (m *Machine) unaryOp(op bytecode.Operator, idx int, mnem string) error {
	v, err := m.pop(idx, mnem)
	if err != nil {
		return err
	}
	switch op {
	case bytecode.OpNeg:
		n, ok := v.(Number)
		if !ok {
			return kerrors.NewRuntimeError(kerrors.RtTypeMismatch, idx, mnem)
		}
		m.push(-n)
	case bytecode.OpNot:
		m.push(boolNumber(!v.Truthy()))
	default:
		return kerrors.NewRuntimeError(kerrors.RtUnknownOperator, idx, mnem)
	}
	return nil
}

func (m *Machine) binaryOp(op bytecode.Operator, idx int, mnem string) error {
	right, err := m.pop(idx, mnem)
	if err != nil {
		return err
	}
	left, err := m.pop(idx, mnem)
	if err != nil {
		return err
	}

	if op == bytecode.OpConcat {
		m.push(String{Bytes: Stringify(left) + Stringify(right), Owned: true})
		return nil
	}
	if op == bytecode.OpEqual || op == bytecode.OpNotEq {
		eq := valuesEqual(left, right)
		if op == bytecode.OpNotEq {
			eq = !eq
		}
		m.push(boolNumber(eq))
		return nil
	}
	if op == bytecode.OpAnd {
		m.push(boolNumber(left.Truthy() && right.Truthy()))
		return nil
	}
	if op == bytecode.OpOr {
		m.push(boolNumber(left.Truthy() || right.Truthy()))
		return nil
	}

	ln, lok := left.(Number)
	rn, rok := right.(Number)
	if !lok || !rok {
		return kerrors.NewRuntimeError(kerrors.RtTypeMismatch, idx, mnem)
	}
	switch op {
	case bytecode.OpAdd:
		m.push(ln + rn)
	case bytecode.OpSub:
		m.push(ln - rn)
	case bytecode.OpMul:
		m.push(ln * rn)
	case bytecode.OpDiv:
		if rn == 0 {
			return kerrors.NewRuntimeError(kerrors.RtDivisionByZero, idx, mnem)
		}
		m.push(ln / rn)
	case bytecode.OpIntDiv:
		if rn == 0 {
			return kerrors.NewRuntimeError(kerrors.RtDivisionByZero, idx, mnem)
		}
		m.push(Number(math.Trunc(float64(ln) / float64(rn))))
	case bytecode.OpMod:
		if rn == 0 {
			return kerrors.NewRuntimeError(kerrors.RtDivisionByZero, idx, mnem)
		}
		m.push(Number(math.Mod(float64(ln), float64(rn))))
	case bytecode.OpPow:
		m.push(Number(math.Pow(float64(ln), float64(rn))))
	case bytecode.OpApproxEq:
		m.push(boolNumber(math.Abs(float64(ln-rn)) <= m.opts.ApproxEps*math.Max(math.Abs(float64(ln)), math.Abs(float64(rn)))))
	case bytecode.OpGt:
		m.push(boolNumber(ln > rn))
	case bytecode.OpLt:
		m.push(boolNumber(ln < rn))
	case bytecode.OpGte:
		m.push(boolNumber(ln >= rn))
	case bytecode.OpLte:
		m.push(boolNumber(ln <= rn))
	default:
		return kerrors.NewRuntimeError(kerrors.RtUnknownOperator, idx, mnem)
	}
	return nil
}

func boolNumber(b bool) Number {
	if b {
		return 1
	}
	return 0
}

func valuesEqual(a, b Value) bool {
	switch av := a.(type) {
	case Number:
		bv, ok := b.(Number)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av.Bytes == bv.Bytes
	case Nil:
		_, ok := b.(Nil)
		return ok
	default:
		return false
	}
}

func (m *Machine) callFunc(funcIndex, idx int, mnem string) error {
	if funcIndex < 0 || funcIndex >= len(m.img.Functions) {
		return kerrors.NewRuntimeError(kerrors.RtUnknownUserFunc, idx, mnem)
	}
	fn := m.img.Functions[funcIndex]
	args := make([]Value, fn.NumParams)
	for i := fn.NumParams - 1; i >= 0; i-- {
		v, err := m.pop(idx, mnem)
		if err != nil {
			return err
		}
		args[i] = ownedFlavor(v)
	}
	locals := make([]Value, fn.NumLocals)
	for i := range locals {
		locals[i] = Number(0)
	}
	copy(locals, args)

	m.frames = append(m.frames, frame{returnIP: m.ip + 1, funcIndex: funcIndex, locals: locals})
	m.opts.Hook.OnCall(funcIndex, m.ip)
	m.ip = fn.OpcodeStart
	return nil
}

func (m *Machine) doReturn(idx int, mnem string) error {
	v, err := m.pop(idx, mnem)
	if err != nil {
		return err
	}
	if len(m.frames) == 0 {
		return kerrors.NewRuntimeError(kerrors.RtNotInUserFunc, idx, mnem)
	}
	f := m.frames[len(m.frames)-1]
	m.frames = m.frames[:len(m.frames)-1]
	m.opts.Hook.OnReturn(f.funcIndex, m.ip)
	m.ip = f.returnIP
	m.push(v)
	return nil
}

func (m *Machine) callBuiltin(id, idx int, mnem string) error {
	if id >= bytecode.ExtCallBase {
		stubIdx := id - bytecode.ExtCallBase
		if stubIdx < 0 || stubIdx >= len(m.img.ExtFuncs) {
			return kerrors.NewRuntimeError(kerrors.RtUnknownBuiltinFunc, idx, mnem)
		}
		// The stub exists in the image's extension table, but this VM
		// has no host binding to run it against: a present-but-unbound
		// stub can be validated, not called.
		stub := m.img.ExtFuncs[stubIdx]
		for i := 0; i < stub.Arity; i++ {
			if _, err := m.pop(idx, mnem); err != nil {
				return err
			}
		}
		return kerrors.NewRuntimeError(kerrors.RtUnknownBuiltinFunc, idx, mnem)
	}

	arity, ok := bytecode.BuiltinArity[id]
	if !ok {
		return kerrors.NewRuntimeError(kerrors.RtUnknownBuiltinFunc, idx, mnem)
	}
	args := make([]Value, arity)
	for i := arity - 1; i >= 0; i-- {
		v, err := m.pop(idx, mnem)
		if err != nil {
			return err
		}
		args[i] = v
	}
	result, err := m.dispatchBuiltin(id, args, idx, mnem)
	if err != nil {
		return err
	}
	m.push(result)
	return nil
}

func (m *Machine) dispatchBuiltin(id int, args []Value, idx int, mnem string) (Value, error) {
	numArg := func(i int) (float64, error) {
		n, ok := args[i].(Number)
		if !ok {
			return 0, kerrors.NewRuntimeError(kerrors.RtTypeMismatch, idx, mnem)
		}
		return float64(n), nil
	}

	switch id {
	case bytecode.BuiltinPrint:
		io.WriteString(m.opts.Stdout, Stringify(args[0])+"\n")
		return Number(0), nil
	case bytecode.BuiltinSin:
		v, err := numArg(0)
		return Number(math.Sin(v)), err
	case bytecode.BuiltinCos:
		v, err := numArg(0)
		return Number(math.Cos(v)), err
	case bytecode.BuiltinTan:
		v, err := numArg(0)
		return Number(math.Tan(v)), err
	case bytecode.BuiltinSqrt:
		v, err := numArg(0)
		return Number(math.Sqrt(v)), err
	case bytecode.BuiltinExp:
		v, err := numArg(0)
		return Number(math.Exp(v)), err
	case bytecode.BuiltinAbs:
		v, err := numArg(0)
		return Number(math.Abs(v)), err
	case bytecode.BuiltinLog:
		v, err := numArg(0)
		return Number(math.Log(v)), err
	case bytecode.BuiltinFloor:
		v, err := numArg(0)
		return Number(math.Floor(v)), err
	case bytecode.BuiltinCeil:
		v, err := numArg(0)
		return Number(math.Ceil(v)), err
	case bytecode.BuiltinRand:
		return Number(m.rng.Float64()), nil
	case bytecode.BuiltinLen:
		switch t := args[0].(type) {
		case String:
			return Number(len(t.Bytes)), nil
		case ArrayRef:
			if !t.Live() {
				return nil, kerrors.NewRuntimeError(kerrors.RtInvalidArrayRef, idx, mnem)
			}
			return Number(len(t.Target.Slots)), nil
		case *Array:
			return Number(len(t.Slots)), nil
		default:
			return nil, kerrors.NewRuntimeError(kerrors.RtTypeMismatch, idx, mnem)
		}
	case bytecode.BuiltinVal:
		s, ok := args[0].(String)
		if !ok {
			return nil, kerrors.NewRuntimeError(kerrors.RtTypeMismatch, idx, mnem)
		}
		f, err := strconv.ParseFloat(s.Bytes, 64)
		if err != nil {
			return Number(0), nil
		}
		return Number(f), nil
	case bytecode.BuiltinChr:
		v, err := numArg(0)
		if err != nil {
			return nil, err
		}
		return String{Bytes: string(rune(int(v))), Owned: true}, nil
	case bytecode.BuiltinAsc:
		s, ok := args[0].(String)
		if !ok {
			return nil, kerrors.NewRuntimeError(kerrors.RtTypeMismatch, idx, mnem)
		}
		if s.Bytes == "" {
			return Number(0), nil
		}
		return Number(s.Bytes[0]), nil
	default:
		return nil, kerrors.NewRuntimeError(kerrors.RtUnknownBuiltinFunc, idx, mnem)
	}
}
