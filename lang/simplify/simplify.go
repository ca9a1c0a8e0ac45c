// Package simplify implements Cassette's AST constant-folding and
// dead-branch-elimination pass (spec.md §4.3), run after parsing and before
// code generation. It is grounded on the teacher resolver's single
// post-order tree walk (lang/resolver/resolver.go pushes/pops a scope per
// block while it recurses), repurposed here from name resolution to
// constant propagation: the walk carries a compile-time environment shaped
// like the runtime one (lang/compenv), each slot holding either a known
// constant or a sentinel meaning "not statically known", so a let-bound
// constant folds into every identifier that reads it.
//
// Folding must reproduce the VM's own arithmetic exactly (testable property
// 5: compiling the folded and unfolded trees must yield identical results),
// so every integer operation here goes through lang/value's wraparound
// instead of Go's native int32 overflow behavior.
package simplify

import (
	"github.com/mna/cassette/lang/ast"
	"github.com/mna/cassette/lang/value"
)

// binding is one compile-env slot: a known constant, or unknown.
type binding struct {
	known bool
	val   int32
}

// scope mirrors the runtime frame chain during the walk. Bindings are
// name-addressed here rather than by flat offset — the offsets lang/compenv
// later computes resolve the same innermost-first way, so the name search
// lands on the same slot.
type scope struct {
	parent *scope
	names  []string
	binds  []*binding
}

func (s *scope) push() *scope { return &scope{parent: s} }

func (s *scope) define(name string) *binding {
	b := &binding{}
	s.names = append(s.names, name)
	s.binds = append(s.binds, b)
	return b
}

func (s *scope) lookup(name string) *binding {
	for cur := s; cur != nil; cur = cur.parent {
		for i := len(cur.names) - 1; i >= 0; i-- {
			if cur.names[i] == name {
				return cur.binds[i]
			}
		}
	}
	return nil
}

// Simplify returns a new tree equivalent to n with constant subexpressions
// folded, let-bound constants propagated into the identifiers that read
// them, and statically-decidable `if` branches collapsed to their taken
// arm. It never mutates n.
func Simplify(n *ast.Node) *ast.Node {
	return simp(&scope{}, n)
}

func simp(sc *scope, n *ast.Node) *ast.Node {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case ast.KindConst, ast.KindSym, ast.KindStr:
		return n
	case ast.KindID:
		if b := sc.lookup(n.Text); b != nil && b.known {
			return constNode(n, b.val)
		}
		return n
	case ast.KindIf:
		return simplifyIf(sc, n)
	case ast.KindAnd:
		return simplifyAnd(sc, n)
	case ast.KindOr:
		return simplifyOr(sc, n)
	case ast.KindNeg, ast.KindNot, ast.KindComp:
		return simplifyUnary(sc, n)
	case ast.KindAdd, ast.KindSub, ast.KindMul, ast.KindDiv, ast.KindRem,
		ast.KindBitAnd, ast.KindBitOr, ast.KindXor, ast.KindShift,
		ast.KindLt, ast.KindGt, ast.KindEq:
		return simplifyBinary(sc, n)
	case ast.KindLet:
		return simplifyLet(sc, n)
	case ast.KindLambda:
		return simplifyLambda(sc, n)
	case ast.KindDo:
		return simplifyBlock(sc, n)
	case ast.KindAccess:
		return simplifyAccess(sc, n)
	default:
		return simplifyChildren(sc, n)
	}
}

func simplifyChildren(sc *scope, n *ast.Node) *ast.Node {
	if len(n.Children) == 0 {
		return n
	}
	children := make([]*ast.Node, len(n.Children))
	changed := false
	for i, c := range n.Children {
		s := simp(sc, c)
		children[i] = s
		if s != c {
			changed = true
		}
	}
	if !changed {
		return n
	}
	out := *n
	out.Children = children
	return &out
}

// simplifyBlock walks a statement block. Any def or nested module names it
// declares shadow enclosing bindings for the whole block (the code
// generator reserves their frame slots before compiling any statement), so
// they enter a child scope as unknown before the statements are walked —
// an id that resolves to one must never fold to an outer let's constant.
func simplifyBlock(sc *scope, n *ast.Node) *ast.Node {
	child := sc
	for _, s := range n.Children {
		if s.Kind == ast.KindDef || s.Kind == ast.KindModule {
			if child == sc {
				child = sc.push()
			}
			child.define(s.Text)
		}
	}
	return simplifyChildren(child, n)
}

// simplifyAccess leaves an identifier base alone: the code generator
// resolves it as a module alias or nested-module name, and folding it to a
// constant would destroy that resolution. The base is simplified normally
// when it is itself a compound expression.
func simplifyAccess(sc *scope, n *ast.Node) *ast.Node {
	base := n.Children[0]
	if base.Kind == ast.KindID {
		return n
	}
	return simplifyChildren(sc, n)
}

// simplifyLet extends the compile-env with one slot per binding. All names
// enter the child scope as unknown first, mirroring the code generator's
// define-all-upfront frame layout (a binding expression that reads a
// sibling resolves to the let's own slot, not an outer one); each binding
// is then upgraded to its folded constant in order, so later bindings and
// the body see it. Every assign is annotated with its frame index.
func simplifyLet(sc *scope, n *ast.Node) *ast.Node {
	count, _ := n.Attr("count")
	binds := n.Children[:count]
	body := n.Children[count]

	child := sc.push()
	slots := make([]*binding, count)
	for i, b := range binds {
		slots[i] = child.define(b.Text)
	}

	children := make([]*ast.Node, 0, count+1)
	changed := false
	for i, b := range binds {
		val := simp(child, b.Children[0])
		if v, ok := asConst(val); ok {
			slots[i].known = true
			slots[i].val = v
		}
		idx, hadIdx := b.Attr("index")
		if val == b.Children[0] && hadIdx && idx == i {
			children = append(children, b)
			continue
		}
		nb := *b
		nb.Children = []*ast.Node{val}
		nb.Attrs = nil
		for k, v := range b.Attrs {
			nb.SetAttr(k, v)
		}
		nb.SetAttr("index", i)
		children = append(children, &nb)
		changed = true
	}

	sbody := simp(child, body)
	children = append(children, sbody)
	if !changed && sbody == body {
		return n
	}
	out := *n
	out.Children = children
	return &out
}

// simplifyLambda walks the body under a child scope whose parameters are
// unknown, since a call site can pass anything.
func simplifyLambda(sc *scope, n *ast.Node) *ast.Node {
	nparams, _ := n.Attr("nparams")
	child := sc.push()
	for _, p := range n.Children[:nparams] {
		child.define(p.Text)
	}
	body := n.Children[nparams]
	sbody := simp(child, body)
	if sbody == body {
		return n
	}
	out := *n
	out.Children = append(append([]*ast.Node{}, n.Children[:nparams]...), sbody)
	return &out
}

func asConst(n *ast.Node) (int32, bool) {
	if n.Kind == ast.KindConst {
		return n.IntVal, true
	}
	return 0, false
}

func constNode(like *ast.Node, v int32) *ast.Node {
	return ast.NewConst(like.Start, like.End, v)
}

func wrap(n int64) int32 { return value.MakeInt(n).Int() }

func boolConst(like *ast.Node, b bool) *ast.Node {
	if b {
		return constNode(like, 1)
	}
	return constNode(like, 0)
}

// simplifyIf collapses `if cond do a else b end` to a (or b) when cond
// folds to a literal, since spec.md §3.2's truthiness rule (nil and integer
// zero are false) is statically decidable for literals.
func simplifyIf(sc *scope, n *ast.Node) *ast.Node {
	cond := simp(sc, n.Children[0])
	thenB := simp(sc, n.Children[1])
	elseB := simp(sc, n.Children[2])
	if v, ok := asConst(cond); ok {
		if v != 0 {
			return thenB
		}
		return elseB
	}
	if cond == n.Children[0] && thenB == n.Children[1] && elseB == n.Children[2] {
		return n
	}
	return ast.New(ast.KindIf, n.Start, n.End, cond, thenB, elseB)
}

// simplifyAnd/simplifyOr implement the short-circuit collapsing spec.md
// §4.3 calls for: a known-constant left operand statically decides the
// whole expression, which becomes either the left operand itself (the arm
// that short-circuits) or the right operand (the arm that would have been
// evaluated), whether or not the right operand is itself constant.
func simplifyAnd(sc *scope, n *ast.Node) *ast.Node {
	left := simp(sc, n.Children[0])
	if v, ok := asConst(left); ok {
		if v == 0 {
			return left
		}
		return simp(sc, n.Children[1])
	}
	right := simp(sc, n.Children[1])
	if left == n.Children[0] && right == n.Children[1] {
		return n
	}
	return ast.New(ast.KindAnd, n.Start, n.End, left, right)
}

func simplifyOr(sc *scope, n *ast.Node) *ast.Node {
	left := simp(sc, n.Children[0])
	if v, ok := asConst(left); ok {
		if v != 0 {
			return left
		}
		return simp(sc, n.Children[1])
	}
	right := simp(sc, n.Children[1])
	if left == n.Children[0] && right == n.Children[1] {
		return n
	}
	return ast.New(ast.KindOr, n.Start, n.End, left, right)
}

func simplifyUnary(sc *scope, n *ast.Node) *ast.Node {
	c := simp(sc, n.Children[0])
	v, ok := asConst(c)
	if !ok {
		if c == n.Children[0] {
			return n
		}
		return ast.New(n.Kind, n.Start, n.End, c)
	}
	switch n.Kind {
	case ast.KindNeg:
		return constNode(n, wrap(-int64(v)))
	case ast.KindNot:
		return boolConst(n, v == 0)
	case ast.KindComp:
		return constNode(n, wrap(int64(^v)))
	}
	return n
}

// simplifyBinary folds a binary operator over two literal operands. It
// leaves anything involving division or remainder by a literal zero
// unfolded: that is a runtime DivByZero (spec.md §7), not a compile-time
// constant, and must still raise it as such when actually executed.
func simplifyBinary(sc *scope, n *ast.Node) *ast.Node {
	left := simp(sc, n.Children[0])
	right := simp(sc, n.Children[1])
	lv, lok := asConst(left)
	rv, rok := asConst(right)
	if lok && rok {
		if folded, ok := foldBinary(n.Kind, lv, rv); ok {
			return constNode(n, folded)
		}
	}
	if left == n.Children[0] && right == n.Children[1] {
		return n
	}
	return ast.New(n.Kind, n.Start, n.End, left, right)
}

func foldBinary(kind ast.Kind, l, r int32) (int32, bool) {
	switch kind {
	case ast.KindAdd:
		return wrap(int64(l) + int64(r)), true
	case ast.KindSub:
		return wrap(int64(l) - int64(r)), true
	case ast.KindMul:
		return wrap(int64(l) * int64(r)), true
	case ast.KindDiv:
		if r == 0 {
			return 0, false
		}
		return wrap(int64(l) / int64(r)), true
	case ast.KindRem:
		if r == 0 {
			return 0, false
		}
		return wrap(int64(l) % int64(r)), true
	case ast.KindBitAnd:
		return wrap(int64(l & r)), true
	case ast.KindBitOr:
		return wrap(int64(l | r)), true
	case ast.KindXor:
		return wrap(int64(l ^ r)), true
	case ast.KindShift:
		if r >= 0 {
			return wrap(int64(l) << uint(r)), true
		}
		return wrap(int64(l) >> uint(-r)), true
	case ast.KindLt:
		return boolInt(l < r), true
	case ast.KindGt:
		return boolInt(l > r), true
	case ast.KindEq:
		return boolInt(l == r), true
	}
	return 0, false
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
