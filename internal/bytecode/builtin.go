package bytecode

// Builtin ids are shared between the compiler (which resolves a call
// name to an id at emission time) and the VM (which dispatches on the
// id at CallBuiltIn).
const (
	BuiltinPrint = iota
	BuiltinSin
	BuiltinCos
	BuiltinTan
	BuiltinSqrt
	BuiltinExp
	BuiltinAbs
	BuiltinLog
	BuiltinFloor
	BuiltinCeil
	BuiltinRand
	BuiltinLen
	BuiltinVal
	BuiltinChr
	BuiltinAsc
)

// BuiltinArity gives the fixed argument count each built-in expects.
var BuiltinArity = map[int]int{
	BuiltinPrint: 1, BuiltinSin: 1, BuiltinCos: 1, BuiltinTan: 1,
	BuiltinSqrt: 1, BuiltinExp: 1, BuiltinAbs: 1, BuiltinLog: 1,
	BuiltinFloor: 1, BuiltinCeil: 1, BuiltinRand: 0, BuiltinLen: 1,
	BuiltinVal: 1, BuiltinChr: 1, BuiltinAsc: 1,
}

var builtinNames = map[string]int{
	"p": BuiltinPrint, "sin": BuiltinSin, "cos": BuiltinCos, "tan": BuiltinTan,
	"sqrt": BuiltinSqrt, "exp": BuiltinExp, "abs": BuiltinAbs, "log": BuiltinLog,
	"floor": BuiltinFloor, "ceil": BuiltinCeil, "rand": BuiltinRand, "len": BuiltinLen,
	"val": BuiltinVal, "chr": BuiltinChr, "asc": BuiltinAsc,
}

// ExtCallBase offsets a CallBuiltIn opcode's BuiltinID into the
// extension stub table (Context.ExtFuncs) rather than the fixed
// built-in set above. The extension sub-language itself is out of
// scope, but the VM still needs to be able to bounds-check a call
// against whichever stub table a loaded image carries.
const ExtCallBase = 1 << 20

// LookupBuiltin resolves a call name to its builtin id.
func LookupBuiltin(name string) (int, bool) {
	id, ok := builtinNames[name]
	return id, ok
}

// BuiltinName reverses LookupBuiltin, for diagnostics.
func BuiltinName(id int) string {
	for name, builtinID := range builtinNames {
		if builtinID == id {
			return name
		}
	}
	return "?"
}
