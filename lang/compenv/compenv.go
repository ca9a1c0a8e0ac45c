// Package compenv implements Cassette's compile-time lexical address table:
// the structure the code generator consults to turn a bound identifier into
// the flat address it emits as a LOOKUP/DEFINE operand (spec.md §3.7). The
// runtime environment is a linked list of tuple frames; a flat address `n`
// is resolved there by walking frames outward, subtracting each frame's
// size from `n` until it falls within the current frame. Env mirrors that
// same frame chain at compile time so the generator can compute `n` without
// the VM's frames existing yet.
//
// spec.md §3.7 is explicit that this environment holds no cells and no
// free-variable boxing — the nested-tuple chain itself is the closure — so,
// unlike a closure-converting compiler that must decide which locals escape
// into heap cells, Cassette's compiler only ever needs frame shapes.
package compenv

import "fmt"

// Env is one compile-time scope: a let-body, a lambda body, or a module's
// top level. Envs form a linked list mirroring the nested-tuple chain the
// VM builds at run time.
type Env struct {
	parent *Env
	names  []string
}

// New returns the outermost (module top-level) environment.
func New() *Env { return &Env{} }

// Push returns a new child environment nested one tuple inside e, for a
// let-body or a lambda call. Every binding e itself will ever hold must be
// defined before Push is called: once a child exists, e's frame is
// "closed" and lookups from inside the child rely on e.Size() being final.
func (e *Env) Push() *Env { return &Env{parent: e} }

// Pop returns e's parent, or nil at the outermost environment.
func (e *Env) Pop() *Env { return e.parent }

// Define reserves the next slot in e's frame for name and returns its
// address. Because a fresh binding always lives in the current (innermost,
// depth-0) frame, this address is also the flat address Lookup would
// compute for it from within e itself.
func (e *Env) Define(name string) int {
	idx := len(e.names)
	e.names = append(e.names, name)
	return idx
}

// Size returns the number of slots defined directly in e's own frame — the
// width of the runtime tuple the VM allocates for it.
func (e *Env) Size() int { return len(e.names) }

// Lookup walks e and its ancestors outward and returns the single flat
// address the VM's `lookup n` / `define n` algorithm expects: n counts
// slots from the innermost frame outward, so that "if n >= frame size,
// move to the parent frame and subtract frame size" (spec.md §3.7) lands
// on the same binding found here. The search finds the innermost
// (most-recently-defined) binding, matching ordinary lexical shadowing.
func (e *Env) Lookup(name string) (n int, ok bool) {
	total := 0
	for cur := e; cur != nil; cur = cur.parent {
		for i := len(cur.names) - 1; i >= 0; i-- {
			if cur.names[i] == name {
				return total + i, true
			}
		}
		total += len(cur.names)
	}
	return 0, false
}

// UndefinedVariable reports a name with no visible binding (spec.md §7).
type UndefinedVariable struct {
	Name string
}

func (e *UndefinedVariable) Error() string {
	return fmt.Sprintf("undefined variable %q", e.Name)
}
