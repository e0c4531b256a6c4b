package compiler

import (
	"khronicler/internal/ast"
	"khronicler/internal/bytecode"
	kerrors "khronicler/internal/errors"
)

// emitter runs pass 2: a depth-first statement walk that emits opcodes
// into ctx.Opcodes. It keeps its own stack of enclosing loop control
// ids so break/continue resolve without any upward AST links.
type emitter struct {
	ctx       *Context
	loopStack []int
}

func (e *emitter) pushLoop(id int)  { e.loopStack = append(e.loopStack, id) }
func (e *emitter) popLoop()         { e.loopStack = e.loopStack[:len(e.loopStack)-1] }
func (e *emitter) nearestLoop() int { return e.loopStack[len(e.loopStack)-1] }

func (e *emitter) stmts(body []ast.Stmt) error {
	for _, s := range body {
		if err := e.stmt(s); err != nil {
			return semErrAtLine(err, s.Line())
		}
	}
	return nil
}

// semErrAtLine stamps a semantic error with the source line of the
// statement whose compilation raised it. The innermost statement wins:
// an error already stamped deeper in the walk is left alone.
func semErrAtLine(err error, line int) error {
	if se, ok := kerrors.AsSemanticError(err); ok && se.Line == 0 {
		se.Line = line
	}
	return err
}

func (e *emitter) stmt(stmt ast.Stmt) error {
	c := e.ctx
	switch n := stmt.(type) {
	case *ast.FunctionDeclare:
		return e.function(n)
	case *ast.IfGoto:
		if err := e.expr(n.Cond); err != nil {
			return err
		}
		label, ok := c.findLabel(n.Label, c.CurrentFunc)
		if !ok {
			if c.labelExistsAnyScope(n.Label) {
				return kerrors.NewSemanticError(kerrors.SemGotoLabelScopeMismatch, n.Label)
			}
			return kerrors.NewSemanticError(kerrors.SemGotoLabelNotFound, n.Label)
		}
		c.emitJump(bytecode.IfGoto, label.Slot)
		return nil
	case *ast.If:
		return e.ifStmt(n)
	case *ast.While:
		return e.whileStmt(n)
	case *ast.DoWhile:
		return e.doWhileStmt(n)
	case *ast.For:
		return e.forStmt(n)
	case *ast.Break:
		b := c.bundle(e.nearestLoop())
		c.emitJump(bytecode.Goto, b.endPos)
		return nil
	case *ast.Continue:
		b := c.bundle(e.nearestLoop())
		switch b.kind {
		case cfWhile, cfDoWhile:
			c.emitJump(bytecode.Goto, b.condPos)
		case cfFor:
			c.emitJump(bytecode.Goto, b.increasePos)
		}
		return nil
	case *ast.Return:
		if n.Value != nil {
			if err := e.expr(n.Value); err != nil {
				return err
			}
		} else {
			c.emit(bytecode.Opcode{Op: bytecode.PushNum, Num: 0})
		}
		c.emit(bytecode.Opcode{Op: bytecode.Return})
		return nil
	case *ast.Exit:
		if n.Value != nil {
			if err := e.expr(n.Value); err != nil {
				return err
			}
		} else {
			c.emit(bytecode.Opcode{Op: bytecode.PushNum, Num: 0})
		}
		c.emit(bytecode.Opcode{Op: bytecode.Stop})
		return nil
	case *ast.Goto:
		label, ok := c.findLabel(n.Label, c.CurrentFunc)
		if !ok {
			if c.labelExistsAnyScope(n.Label) {
				return kerrors.NewSemanticError(kerrors.SemGotoLabelScopeMismatch, n.Label)
			}
			return kerrors.NewSemanticError(kerrors.SemGotoLabelNotFound, n.Label)
		}
		c.emitJump(bytecode.Goto, label.Slot)
		return nil
	case *ast.Dim:
		v, err := c.declareVar(n.Name, VarPrimitive)
		if err != nil {
			return err
		}
		if n.Init != nil {
			if err := e.expr(n.Init); err != nil {
				return err
			}
		} else {
			c.emit(bytecode.Opcode{Op: bytecode.PushNum, Num: 0})
		}
		c.emit(bytecode.Opcode{Op: bytecode.SetVar, Var: bytecode.VarRef{Local: c.CurrentFunc != nil, Index: v.Index}})
		return nil
	case *ast.DimArray:
		v, err := c.declareVar(n.Name, VarArray)
		if err != nil {
			return err
		}
		if err := e.expr(n.Size); err != nil {
			return err
		}
		c.emit(bytecode.Opcode{Op: bytecode.SetVarAsArray, Var: bytecode.VarRef{Local: c.CurrentFunc != nil, Index: v.Index}})
		return nil
	case *ast.Redim:
		ref, kind, err := c.resolveVar(n.Name)
		if err != nil {
			return err
		}
		if kind != VarArray {
			return kerrors.NewSemanticError(kerrors.SemVarIsNotArray, n.Name)
		}
		if err := e.expr(n.Size); err != nil {
			return err
		}
		c.emit(bytecode.Opcode{Op: bytecode.SetVarAsArray, Var: ref})
		return nil
	case *ast.Assign:
		ref, _, err := c.resolveVar(n.Name)
		if err != nil {
			return err
		}
		if err := e.expr(n.Value); err != nil {
			return err
		}
		c.emit(bytecode.Opcode{Op: bytecode.SetVar, Var: ref})
		return nil
	case *ast.AssignArray:
		ref, kind, err := c.resolveVar(n.Name)
		if err != nil {
			return err
		}
		if kind != VarArray {
			return kerrors.NewSemanticError(kerrors.SemVarIsNotArray, n.Name)
		}
		c.emit(bytecode.Opcode{Op: bytecode.PushVar, Var: ref})
		if err := e.expr(n.Index); err != nil {
			return err
		}
		if err := e.expr(n.Value); err != nil {
			return err
		}
		c.emit(bytecode.Opcode{Op: bytecode.ArrSet})
		return nil
	case *ast.LabelDeclare:
		label, _ := c.findLabel(n.Name, c.CurrentFunc)
		c.bindSlot(label.Slot, c.pos())
		return nil
	case *ast.ExprStmt:
		if err := e.expr(n.Value); err != nil {
			return err
		}
		c.emit(bytecode.Opcode{Op: bytecode.Pop})
		return nil
	}
	return kerrors.NewSemanticError(kerrors.SemUnrecognizedAST, "")
}

func (e *emitter) function(n *ast.FunctionDeclare) error {
	c := e.ctx
	fn, _ := c.findFunc(n.Name)
	b := c.bundle(n.ControlID())

	c.emitJump(bytecode.Goto, b.endPos)
	fn.OpcodeStart = c.pos()
	prevFunc := c.CurrentFunc
	c.CurrentFunc = fn

	if err := e.stmts(n.Body); err != nil {
		return err
	}
	if len(c.Opcodes) == 0 || c.Opcodes[len(c.Opcodes)-1].Op != bytecode.Return {
		c.emit(bytecode.Opcode{Op: bytecode.PushNum, Num: 0})
		c.emit(bytecode.Opcode{Op: bytecode.Return})
	}

	c.CurrentFunc = prevFunc
	c.bindSlot(b.endPos, c.pos())
	return nil
}

func (e *emitter) ifStmt(n *ast.If) error {
	c := e.ctx
	b := c.bundle(n.ControlID())

	if err := e.expr(n.Cond); err != nil {
		return err
	}
	c.emitJump(bytecode.UnlessGoto, b.thenEndPos)
	if err := e.stmts(n.Then); err != nil {
		return err
	}
	c.emitJump(bytecode.Goto, b.endPos)
	c.bindSlot(b.thenEndPos, c.pos())

	for i, ei := range n.ElseIfs {
		if err := e.expr(ei.Cond); err != nil {
			return err
		}
		c.emitJump(bytecode.UnlessGoto, b.elseifEndPos[i])
		if err := e.stmts(ei.Body); err != nil {
			return err
		}
		c.emitJump(bytecode.Goto, b.endPos)
		c.bindSlot(b.elseifEndPos[i], c.pos())
	}

	if n.HasElse {
		if err := e.stmts(n.Else); err != nil {
			return err
		}
	}
	c.bindSlot(b.endPos, c.pos())
	return nil
}

func (e *emitter) whileStmt(n *ast.While) error {
	c := e.ctx
	b := c.bundle(n.ControlID())

	c.bindSlot(b.condPos, c.pos())
	if err := e.expr(n.Cond); err != nil {
		return err
	}
	c.emitJump(bytecode.UnlessGoto, b.endPos)

	e.pushLoop(n.ControlID())
	if err := e.stmts(n.Body); err != nil {
		e.popLoop()
		return err
	}
	e.popLoop()

	c.emitJump(bytecode.Goto, b.condPos)
	c.bindSlot(b.endPos, c.pos())
	return nil
}

func (e *emitter) doWhileStmt(n *ast.DoWhile) error {
	c := e.ctx
	b := c.bundle(n.ControlID())

	c.bindSlot(b.startPos, c.pos())
	e.pushLoop(n.ControlID())
	if err := e.stmts(n.Body); err != nil {
		e.popLoop()
		return err
	}
	e.popLoop()

	c.bindSlot(b.condPos, c.pos())
	if err := e.expr(n.Cond); err != nil {
		return err
	}
	c.emitJump(bytecode.IfGoto, b.startPos)
	c.bindSlot(b.endPos, c.pos())
	return nil
}

func (e *emitter) forStmt(n *ast.For) error {
	c := e.ctx
	b := c.bundle(n.ControlID())

	ref, kind, err := c.resolveVarOrDeclareLoopVar(n.Var)
	if err != nil {
		return err
	}
	if kind != VarPrimitive {
		return kerrors.NewSemanticError(kerrors.SemVarIsNotPrimitive, n.Var)
	}

	if err := e.expr(n.From); err != nil {
		return err
	}
	c.emit(bytecode.Opcode{Op: bytecode.SetVar, Var: ref})

	c.bindSlot(b.condPos, c.pos())
	if err := e.expr(n.To); err != nil {
		return err
	}
	c.emit(bytecode.Opcode{Op: bytecode.PushVar, Var: ref})
	c.emit(bytecode.Opcode{Op: bytecode.BinaryOp, Operator: bytecode.OpGte})
	c.emitJump(bytecode.UnlessGoto, b.endPos)

	e.pushLoop(n.ControlID())
	if err := e.stmts(n.Body); err != nil {
		e.popLoop()
		return err
	}
	e.popLoop()

	c.bindSlot(b.increasePos, c.pos())
	if n.HasStep {
		if err := e.expr(n.Step); err != nil {
			return err
		}
	} else {
		c.emit(bytecode.Opcode{Op: bytecode.PushNum, Num: 1})
	}
	c.emit(bytecode.Opcode{Op: bytecode.PushVar, Var: ref})
	c.emit(bytecode.Opcode{Op: bytecode.BinaryOp, Operator: bytecode.OpAdd})
	c.emit(bytecode.Opcode{Op: bytecode.SetVar, Var: ref})
	c.emitJump(bytecode.Goto, b.condPos)
	c.bindSlot(b.endPos, c.pos())
	return nil
}

// resolveVarOrDeclareLoopVar resolves a `for` loop variable, declaring
// it as a fresh primitive in the current scope the first time a `for`
// names it undeclared. `for k = 1 to 5` with no prior `dim k` behaves
// like an implicit `dim`; every other variable reference still
// requires a declaration.
func (c *Context) resolveVarOrDeclareLoopVar(name string) (bytecode.VarRef, VarKind, error) {
	ref, kind, err := c.resolveVar(name)
	if err == nil {
		return ref, kind, nil
	}
	v, declErr := c.declareVar(name, VarPrimitive)
	if declErr != nil {
		return bytecode.VarRef{}, VarPrimitive, declErr
	}
	return bytecode.VarRef{Local: c.CurrentFunc != nil, Index: v.Index}, VarPrimitive, nil
}

// expr compiles an expression, leaving exactly one value on the operand
// stack.
func (e *emitter) expr(x ast.Expr) error {
	c := e.ctx
	switch n := x.(type) {
	case *ast.LiteralNumeric:
		c.emit(bytecode.Opcode{Op: bytecode.PushNum, Num: n.Value})
		return nil
	case *ast.LiteralString:
		offset, err := c.internString(n.Value)
		if err != nil {
			return err
		}
		c.emit(bytecode.Opcode{Op: bytecode.PushStr, StrOffset: offset})
		return nil
	case *ast.Variable:
		ref, _, err := c.resolveVar(n.Name)
		if err != nil {
			return err
		}
		c.emit(bytecode.Opcode{Op: bytecode.PushVar, Var: ref})
		return nil
	case *ast.ArrayAccess:
		ref, kind, err := c.resolveVar(n.Name)
		if err != nil {
			return err
		}
		if kind != VarArray {
			return kerrors.NewSemanticError(kerrors.SemVarIsNotArray, n.Name)
		}
		c.emit(bytecode.Opcode{Op: bytecode.PushVar, Var: ref})
		if err := e.expr(n.Index); err != nil {
			return err
		}
		c.emit(bytecode.Opcode{Op: bytecode.ArrGet})
		return nil
	case *ast.Paren:
		return e.expr(n.Inner)
	case *ast.UnaryOperator:
		if err := e.expr(n.Operand); err != nil {
			return err
		}
		op, ok := bytecode.LookupUnary(unarySymbol(n.Op))
		if !ok {
			return kerrors.NewSemanticError(kerrors.SemUnrecognizedAST, n.Op)
		}
		c.emit(bytecode.Opcode{Op: bytecode.UnaryOp, Operator: op})
		return nil
	case *ast.BinaryOperator:
		if err := e.expr(n.Left); err != nil {
			return err
		}
		if err := e.expr(n.Right); err != nil {
			return err
		}
		op, ok := operatorByName(n.Op)
		if !ok {
			return kerrors.NewSemanticError(kerrors.SemUnrecognizedAST, n.Op)
		}
		c.emit(bytecode.Opcode{Op: bytecode.BinaryOp, Operator: op})
		return nil
	case *ast.FunctionCall:
		if fn, ok := c.findFunc(n.Callee); ok {
			if len(n.Args) != fn.NumParams {
				return kerrors.NewSemanticError(kerrors.SemFuncArgListMismatch, n.Callee)
			}
			for _, a := range n.Args {
				if err := e.expr(a); err != nil {
					return err
				}
			}
			c.emit(bytecode.Opcode{Op: bytecode.CallFunc, FuncIndex: fn.Index})
			return nil
		}
		id, ok := bytecode.LookupBuiltin(n.Callee)
		if !ok {
			return kerrors.NewSemanticError(kerrors.SemFuncNotFound, n.Callee)
		}
		if bytecode.BuiltinArity[id] != len(n.Args) {
			return kerrors.NewSemanticError(kerrors.SemFuncArgListMismatch, n.Callee)
		}
		for _, a := range n.Args {
			if err := e.expr(a); err != nil {
				return err
			}
		}
		c.emit(bytecode.Opcode{Op: bytecode.CallBuiltIn, BuiltinID: id})
		return nil
	}
	return kerrors.NewSemanticError(kerrors.SemUnrecognizedAST, "")
}

func unarySymbol(name string) string {
	if name == "Neg" {
		return "-"
	}
	return "!"
}

var operatorNames = map[string]bytecode.Operator{
	"Concat": bytecode.OpConcat, "Add": bytecode.OpAdd, "Sub": bytecode.OpSub,
	"Mul": bytecode.OpMul, "Div": bytecode.OpDiv, "Pow": bytecode.OpPow, "Mod": bytecode.OpMod,
	"IntDiv": bytecode.OpIntDiv, "And": bytecode.OpAnd, "Or": bytecode.OpOr,
	"Equal": bytecode.OpEqual, "ApproxEq": bytecode.OpApproxEq, "NotEq": bytecode.OpNotEq,
	"Gt": bytecode.OpGt, "Lt": bytecode.OpLt, "Gte": bytecode.OpGte, "Lte": bytecode.OpLte,
}

func operatorByName(name string) (bytecode.Operator, bool) {
	op, ok := operatorNames[name]
	return op, ok
}
