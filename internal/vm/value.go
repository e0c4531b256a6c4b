package vm

import (
	"strconv"
	"strings"
)

// Value is any runtime value the VM's operand stack, variable slots, or
// array elements may hold.
type Value interface {
	TypeName() string
	Truthy() bool
	Stringify() string
}

// Nil is the empty runtime value: what Machine.Global reports for an
// undeclared index and what Run returns alongside an error. Globals,
// locals and array slots start as Number 0, not Nil.
type Nil struct{}

func (Nil) TypeName() string  { return "nil" }
func (Nil) Truthy() bool      { return false }
func (Nil) Stringify() string { return "![nil]" }

// Number is the language's only numeric type.
type Number float64

func (Number) TypeName() string { return "number" }
func (n Number) Truthy() bool   { return n != 0 }

// Stringify formats with up to ten fractional digits, trimming
// trailing zeros and a dangling '.'. One fixed rule regardless of
// magnitude.
func (n Number) Stringify() string {
	s := strconv.FormatFloat(float64(n), 'f', 10, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "" || s == "-" {
		s = "0"
	}
	return s
}

// String is a runtime string value. Owned is true when this value's
// holder is responsible for it (it was produced by a builtin like chr
// or concat, or moved into a variable slot by SetVar); Owned is false
// for a value that merely references another string's bytes, either
// the compiled string pool or another owned string, and must never be
// the one logically "freed". The GC makes the distinction pure
// bookkeeping, but it keeps the VM's value-flow invariants checkable
// in tests.
type String struct {
	Bytes string
	Owned bool
}

func (String) TypeName() string    { return "string" }
func (s String) Truthy() bool      { return s.Bytes != "" }
func (s String) Stringify() string { return s.Bytes }

// Ref returns a read-only reference flavor of s, for PushVar semantics:
// pushing a variable's string onto the stack must never let the stack
// entry be mistaken for the value's owner.
func (s String) Ref() String { return String{Bytes: s.Bytes, Owned: false} }

// Array owns a fixed-size sequence of value slots, allocated by
// SetVarAsArray. Slot count never changes after allocation.
type Array struct {
	Slots []Value
	gen   uint64
}

func (Array) TypeName() string  { return "array" }
func (Array) Truthy() bool      { return true }
func (Array) Stringify() string { return "![array]" }

// NewArray allocates an array of n Number-0 slots.
func NewArray(n int) *Array {
	slots := make([]Value, n)
	for i := range slots {
		slots[i] = Number(0)
	}
	return &Array{Slots: slots}
}

// ArrayRef is a weak handle to an Array owned elsewhere: a relation
// only, never ownership. Gen must match the owning Array's current
// generation for the reference to be considered live; a SetVarAsArray
// on the owning slot bumps the generation, so an outstanding ArrayRef
// surfaces as a checkable error at the next dereference instead of a
// silent read through a reallocated array.
type ArrayRef struct {
	Target *Array
	Gen    uint64
}

func (ArrayRef) TypeName() string  { return "array_ref" }
func (ArrayRef) Truthy() bool      { return true }
func (ArrayRef) Stringify() string { return "![arrayRef]" }

// NewRef captures a.gen for the subsequent liveness check.
func (a *Array) NewRef() ArrayRef { return ArrayRef{Target: a, Gen: a.gen} }

// Resize reallocates a's slots to n Number-0 entries and invalidates
// every ArrayRef captured before the call: redim is a fresh
// allocation, not a resize that preserves old contents.
func (a *Array) Resize(n int) {
	a.Slots = make([]Value, n)
	for i := range a.Slots {
		a.Slots[i] = Number(0)
	}
	a.invalidate()
}

// Live reports whether the array this ref points at has not been
// reallocated (via SetVarAsArray) since the ref was captured.
func (r ArrayRef) Live() bool { return r.Target != nil && r.Target.gen == r.Gen }

func (a *Array) invalidate() { a.gen++ }

func Stringify(v Value) string {
	if v == nil {
		return Nil{}.Stringify()
	}
	return v.Stringify()
}

func typeNameOf(v Value) string {
	if v == nil {
		return "nil"
	}
	return v.TypeName()
}
