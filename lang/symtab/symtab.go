// Package symtab implements Cassette's symbol table: a deterministic
// name-to-id mapping with reverse lookup, as described by spec.md §4.1. A
// symbol is simply an integer value whose bits happen to match an id
// registered here; the table's job is to remember, for a given id, which
// name first claimed it.
package symtab

import (
	"hash/fnv"

	"github.com/dolthub/swiss"
)

// defaultBits is the default id width (spec.md §3.1: "k defaults to 32").
const defaultBits = 32

// Table is a process-wide, append-only symbol table. The same Table must be
// used for the lifetime of a program: ids are only stable relative to the
// registrations made in the table that produced them.
type Table struct {
	bits    uint
	mask    uint32
	names   *swiss.Map[uint32, string]
	ordered []string // insertion order, first-claim only; see Names
}

// New returns a symbol table whose ids are masked to bits bits. A bits value
// of 0 selects the default of 32.
func New(bits uint) *Table {
	if bits == 0 || bits > 32 {
		bits = defaultBits
	}
	var mask uint32
	if bits == 32 {
		mask = ^uint32(0)
	} else {
		mask = uint32(1)<<bits - 1
	}
	return &Table{
		bits:  bits,
		mask:  mask,
		names: swiss.NewMap[uint32, string](64),
	}
}

// hash computes the deterministic hash used to derive symbol ids. FNV-1a
// carries no per-process random seed, so Intern(s) returns the same id on
// every run for a given bit width (testable property 6), unlike a
// hash/maphash-based scheme which would vary the id across runs.
func hash(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

// Intern returns the id for name, registering name as the canonical name for
// that id if no other name has claimed it yet (insertion-order interning:
// the first registration wins, per spec.md §4.1).
func (t *Table) Intern(name string) uint32 {
	id := hash(name) & t.mask
	if _, ok := t.names.Get(id); !ok {
		t.names.Put(id, name)
		t.ordered = append(t.ordered, name)
	}
	return id
}

// Name returns the name registered for id, if any.
func (t *Table) Name(id uint32) (string, bool) {
	return t.names.Get(id)
}

// IsSymbol reports whether id has been registered to some name in this
// table, i.e. whether an integer equal to id is, in this table, a symbol.
func (t *Table) IsSymbol(id uint32) bool {
	_, ok := t.names.Get(id)
	return ok
}

// Bits returns the id width this table was created with.
func (t *Table) Bits() uint { return t.bits }

// Names returns every registered name in first-claim (insertion) order. The
// program writer (lang/program) serializes names in this order so that
// replaying Intern over them, in the same order, against a fresh table of
// the same bit width reconstructs identical ids without storing them
// explicitly: hash is deterministic (testable property 6) and collisions
// are resolved by first-claim, so order is the only state that matters.
func (t *Table) Names() []string { return t.ordered }
