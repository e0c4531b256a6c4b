// Package errors defines the three error taxonomies raised by the
// toolchain: syntax errors from the parser, semantic errors from the
// compiler, and runtime errors from the virtual machine.
//
// Semantic and runtime errors each carry a flat code enum with a stable
// name and message table; syntax errors carry a free-form message. All
// three are wrapped with github.com/pkg/errors so every error keeps a
// stack trace captured at the point it was raised.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// SemanticErrorCode enumerates compiler-stage failures.
type SemanticErrorCode int

const (
	SemNone SemanticErrorCode = iota
	SemUnrecognizedAST
	SemNotAProgram
	SemVarNameTooLong
	SemVarDuplicated
	SemVarNotFound
	SemVarIsNotArray
	SemVarIsNotPrimitive
	SemFuncNameTooLong
	SemFuncDuplicated
	SemFuncNotFound
	SemFuncArgListMismatch
	SemLabelNameTooLong
	SemLabelDuplicated
	SemGotoLabelNotFound
	SemGotoLabelScopeMismatch
	SemStringPoolExceeded
)

var semanticNames = [...]string{
	"SEM_NO_ERROR", "SEM_UNRECOGNIZED_AST", "SEM_NOT_A_PROGRAM",
	"SEM_VAR_NAME_TOO_LONG", "SEM_VAR_DUPLICATED", "SEM_VAR_NOT_FOUND",
	"SEM_VAR_IS_NOT_ARRAY", "SEM_VAR_IS_NOT_PRIMITIVE", "SEM_FUNC_NAME_TOO_LONG",
	"SEM_FUNC_DUPLICATED", "SEM_FUNC_NOT_FOUND", "SEM_FUNC_ARG_LIST_MISMATCH",
	"SEM_LABEL_NAME_TOO_LONG", "SEM_LABEL_DUPLICATED", "SEM_GOTO_LABEL_NOT_FOUND",
	"SEM_GOTO_LABEL_SCOPE_MISMATCH", "SEM_STR_POOL_EXCEED",
}

var semanticMessages = [...]string{
	"no error", "unrecognized AST node", "top-level node is not a program",
	"variable name exceeds the maximum identifier length", "variable already declared in this scope",
	"variable not declared in this scope", "variable is not an array", "variable is not a primitive",
	"function name exceeds the maximum identifier length", "function already declared",
	"function not declared", "argument count does not match function arity",
	"label name exceeds the maximum identifier length", "label already declared in this scope",
	"goto target label not found", "goto target label is out of scope",
	"string pool capacity exceeded",
}

func (c SemanticErrorCode) String() string {
	if int(c) < 0 || int(c) >= len(semanticNames) {
		return "SEM_UNKNOWN"
	}
	return semanticNames[c]
}

// Message returns the stable prose description for a semantic error code.
func (c SemanticErrorCode) Message() string {
	if int(c) < 0 || int(c) >= len(semanticMessages) {
		return "unknown semantic error"
	}
	return semanticMessages[c]
}

// RuntimeErrorCode enumerates VM dispatch failures.
type RuntimeErrorCode int

const (
	RtNone RuntimeErrorCode = iota
	RtStackUnderflow
	RtTypeMismatch
	RtUnknownOpcode
	RtUnknownOperator
	RtUnknownBuiltinFunc
	RtUnknownUserFunc
	RtDivisionByZero
	RtNotInUserFunc
	RtArrayInvalidSize
	RtArrayOutOfBounds
	RtNotArray
	RtInvalidArrayRef
)

var runtimeNames = [...]string{
	"RUNTIME_NONE", "RUNTIME_STACK_UNDERFLOW", "RUNTIME_TYPE_MISMATCH",
	"RUNTIME_UNKNOWN_OPCODE", "RUNTIME_UNKNOWN_OPERATOR", "RUNTIME_UNKNOWN_BUILT_IN_FUNC",
	"RUNTIME_UNKNOWN_USER_FUNC", "RUNTIME_DIVISION_BY_ZERO", "RUNTIME_NOT_IN_USER_FUNC",
	"RUNTIME_ARRAY_INVALID_SIZE", "RUNTIME_ARRAY_OUT_OF_BOUNDS", "RUNTIME_NOT_ARRAY",
	"RUNTIME_INVALID_ARRAY_REF",
}

var runtimeMessages = [...]string{
	"no error", "operand stack underflow", "operand type mismatch",
	"unknown opcode encountered", "unknown operator", "unknown built-in function",
	"unknown user function", "division by zero", "call outside of a user function",
	"invalid array size", "array index out of bounds", "value is not an array",
	"array reference no longer valid",
}

func (c RuntimeErrorCode) String() string {
	if int(c) < 0 || int(c) >= len(runtimeNames) {
		return "RUNTIME_UNKNOWN"
	}
	return runtimeNames[c]
}

// Message returns the stable prose description for a runtime error code.
func (c RuntimeErrorCode) Message() string {
	if int(c) < 0 || int(c) >= len(runtimeMessages) {
		return "unknown runtime error"
	}
	return runtimeMessages[c]
}

// SyntaxError is raised by the lexer or parser against a single source
// line; Statement names the kind of statement (or stage) being parsed
// when the error was raised.
type SyntaxError struct {
	Line      int
	Statement string
	Message   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("[Line %d] %s", e.Line, e.Message)
}

// NewSyntaxError builds a SyntaxError wrapped with a captured stack trace.
func NewSyntaxError(line int, statement, message string) error {
	return errors.WithStack(&SyntaxError{Line: line, Statement: statement, Message: message})
}

// SemanticError is raised by the compiler while building the bytecode
// program from a validated AST. Line is the source line of the
// statement being compiled, stamped by the compiler's walk; 0 when the
// error is not tied to a statement.
type SemanticError struct {
	Code    SemanticErrorCode
	Node    string
	Line    int
	Message string
}

func (e *SemanticError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Message()
	}
	if e.Line > 0 {
		return fmt.Sprintf("[Line %d] %s: %s", e.Line, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// NewSemanticError builds a SemanticError wrapped with a captured stack
// trace. node names the AST node (or identifier) involved, for context;
// pass "" when there is none.
func NewSemanticError(code SemanticErrorCode, node string) error {
	return errors.WithStack(&SemanticError{Code: code, Node: node})
}

// NewSemanticErrorf is like NewSemanticError but overrides the prose
// message, for cases the stable table doesn't phrase precisely enough
// (e.g. naming the specific duplicate identifier).
func NewSemanticErrorf(code SemanticErrorCode, node, format string, args ...interface{}) error {
	return errors.WithStack(&SemanticError{Code: code, Node: node, Message: fmt.Sprintf(format, args...)})
}

// RuntimeError is raised by the virtual machine during dispatch.
type RuntimeError struct {
	Code        RuntimeErrorCode
	OpcodeIndex int
	Opcode      string
	Message     string
}

func (e *RuntimeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s at opcode %d (%s): %s", e.Code, e.OpcodeIndex, e.Opcode, e.Message)
	}
	return fmt.Sprintf("%s at opcode %d (%s): %s", e.Code, e.OpcodeIndex, e.Opcode, e.Code.Message())
}

// NewRuntimeError builds a RuntimeError wrapped with a captured stack trace.
func NewRuntimeError(code RuntimeErrorCode, opcodeIndex int, opcode string) error {
	return errors.WithStack(&RuntimeError{Code: code, OpcodeIndex: opcodeIndex, Opcode: opcode})
}

// AsSyntaxError unwraps err looking for a *SyntaxError.
func AsSyntaxError(err error) (*SyntaxError, bool) {
	var target *SyntaxError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// AsSemanticError unwraps err looking for a *SemanticError.
func AsSemanticError(err error) (*SemanticError, bool) {
	var target *SemanticError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// AsRuntimeError unwraps err looking for a *RuntimeError.
func AsRuntimeError(err error) (*RuntimeError, bool) {
	var target *RuntimeError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
