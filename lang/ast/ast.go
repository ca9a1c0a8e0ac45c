// Package ast defines Cassette's abstract syntax tree. spec.md §3.5
// specifies a uniform node shape — a tag, a source span, and either a
// literal value or an ordered list of children, with optional named
// attributes set during compilation pre-passes — so, unlike the teacher's
// one-Go-type-per-production AST, Cassette represents every production with
// a single concrete Node type switched on Kind.
package ast

import (
	"fmt"
	"strings"
)

// Kind identifies the production a Node represents (spec.md §4.2's node
// table).
type Kind int

//nolint:revive
const (
	KindError Kind = iota

	// terminals
	KindID
	KindConst
	KindSym
	KindStr

	// composite forms
	KindTuple
	KindPair
	KindIf
	KindDo
	KindLet
	KindAssign
	KindDef

	// function-oriented
	KindLambda
	KindCall
	KindRef
	KindAccess

	// unary ops
	KindNeg
	KindNot
	KindHead
	KindTail
	KindLen
	KindComp

	// binary ops
	KindEq
	KindRem
	KindBitAnd
	KindMul
	KindAdd
	KindSub
	KindDiv
	KindLt
	KindShift
	KindGt
	KindJoin
	KindSlice
	KindBitOr
	KindXor
	KindAnd
	KindOr

	// diagnostics / primitives
	KindPanic
	KindTrap

	// module linkage
	KindImport
	KindModule
)

var kindNames = [...]string{
	KindError: "error", KindID: "id", KindConst: "const", KindSym: "sym", KindStr: "str",
	KindTuple: "tuple", KindPair: "pair", KindIf: "if", KindDo: "do", KindLet: "let",
	KindAssign: "assign", KindDef: "def", KindLambda: "lambda", KindCall: "call",
	KindRef: "ref", KindAccess: "access", KindNeg: "neg", KindNot: "not", KindHead: "head",
	KindTail: "tail", KindLen: "len", KindComp: "comp", KindEq: "eq", KindRem: "rem",
	KindBitAnd: "bitand", KindMul: "mul", KindAdd: "add", KindSub: "sub", KindDiv: "div",
	KindLt: "lt", KindShift: "shift", KindGt: "gt", KindJoin: "join", KindSlice: "slice",
	KindBitOr: "bitor", KindXor: "xor", KindAnd: "and", KindOr: "or", KindPanic: "panic",
	KindTrap: "trap", KindImport: "import", KindModule: "module",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Node is a single tagged node in the tree. Terminal nodes carry IntVal
// (KindConst integers), Text (identifier/symbol/string lexeme) or both;
// non-terminal nodes carry Children. Attrs holds the named, integer-valued
// annotations set by compilation pre-passes ("count" on KindLet, "index" on
// KindAssign — spec.md §3.5).
type Node struct {
	Kind     Kind
	Start    int
	End      int
	IntVal   int32
	Text     string
	Children []*Node
	Attrs    map[string]int
}

// New returns a non-terminal node of the given kind spanning [start,end)
// with the given children.
func New(kind Kind, start, end int, children ...*Node) *Node {
	return &Node{Kind: kind, Start: start, End: end, Children: children}
}

// NewConst returns a terminal KindConst node holding an integer value.
func NewConst(start, end int, v int32) *Node {
	return &Node{Kind: KindConst, Start: start, End: end, IntVal: v}
}

// NewText returns a terminal node (KindID, KindSym or KindStr) holding text.
func NewText(kind Kind, start, end int, text string) *Node {
	return &Node{Kind: kind, Start: start, End: end, Text: text}
}

// Span returns the node's source byte offsets.
func (n *Node) Span() (start, end int) { return n.Start, n.End }

// Attr returns the named attribute and whether it was set.
func (n *Node) Attr(name string) (int, bool) {
	if n.Attrs == nil {
		return 0, false
	}
	v, ok := n.Attrs[name]
	return v, ok
}

// SetAttr sets a named attribute on the node.
func (n *Node) SetAttr(name string, v int) {
	if n.Attrs == nil {
		n.Attrs = make(map[string]int)
	}
	n.Attrs[name] = v
}

// IsTerminal reports whether n is a leaf (no children).
func (n *Node) IsTerminal() bool { return len(n.Children) == 0 }

// Walk visits n and every descendant in pre-order, calling fn on each. If fn
// returns false for a node, that node's children are not visited.
func Walk(n *Node, fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children {
		Walk(c, fn)
	}
}

func (n *Node) String() string {
	var sb strings.Builder
	n.dump(&sb, 0)
	return sb.String()
}

func (n *Node) dump(sb *strings.Builder, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	fmt.Fprintf(sb, "%s", n.Kind)
	switch n.Kind {
	case KindConst:
		fmt.Fprintf(sb, " %d", n.IntVal)
	case KindID, KindSym, KindStr:
		fmt.Fprintf(sb, " %q", n.Text)
	}
	if len(n.Attrs) > 0 {
		fmt.Fprintf(sb, " %v", n.Attrs)
	}
	sb.WriteString("\n")
	for _, c := range n.Children {
		c.dump(sb, depth+1)
	}
}
