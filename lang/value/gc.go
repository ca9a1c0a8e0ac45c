package value

// Roots is the set of locations the collector must trace and rewrite in
// place: the operand stack, the machine's general registers, the two
// scratch slots allocation primitives use to keep an in-flight value safe
// across the allocation that produces its container (spec.md §5), and the
// VM's module-export table, whose tuples stay reachable for the whole run.
type Roots struct {
	Stack     []Value
	Registers []Value
	Temps     []Value
	Modules   []Value
}

// MaybeGC implements the spec.md §4.5.4 allocation checkpoint: if the heap
// does not have room for need more cells, it collects; if that still isn't
// enough, it grows.
func (h *Heap) MaybeGC(need int, roots Roots) {
	if h.free+need <= len(h.cells) {
		return
	}
	h.Collect(roots)
	if h.free+need <= len(h.cells) {
		return
	}
	h.grow(need)
}

// Collect runs a Cheney-style copying collection: every value reachable from
// roots is copied, in the order the copy first reaches it (the roots, then
// a breadth-first scan of the to-space), into a fresh to-space, and every
// pointer found while scanning the to-space is rewritten to its copy's new
// location. The old cells are discarded afterwards.
func (h *Heap) Collect(roots Roots) {
	to := make([]Value, len(h.cells))
	// Preserve the sentinel so index 0 keeps aliasing nothing.
	tov := sentinelCells
	forward := make(map[uint32]uint32)

	copyValue := func(v Value) Value {
		if !v.IsObject() || v == Nil {
			return v
		}
		idx := v.Index()
		if idx < sentinelCells {
			return v
		}
		if nv, ok := forward[idx]; ok {
			return MakeObject(nv)
		}
		_, size := h.ShapeAt(idx)
		newIdx := uint32(tov)
		copy(to[tov:tov+size], h.cells[idx:idx+uint32(size)])
		tov += size
		forward[idx] = newIdx
		return MakeObject(newIdx)
	}

	for i, v := range roots.Stack {
		roots.Stack[i] = copyValue(v)
	}
	for i, v := range roots.Registers {
		roots.Registers[i] = copyValue(v)
	}
	for i, v := range roots.Temps {
		roots.Temps[i] = copyValue(v)
	}
	for i, v := range roots.Modules {
		roots.Modules[i] = copyValue(v)
	}

	// Scan the to-space breadth-first (Cheney's algorithm): cells appended by
	// copyValue above are themselves scanned as the cursor advances, so every
	// live object is eventually both copied and fixed up, without recursion.
	scan := sentinelCells
	for scan < tov {
		shape, size := toSpaceShapeAt(to, scan)
		switch shape {
		case ShapePair:
			to[scan] = copyValue(to[scan])
			to[scan+1] = copyValue(to[scan+1])
		case ShapeTuple:
			n := headerCount(to[scan])
			for i := 0; i < n; i++ {
				to[scan+1+i] = copyValue(to[scan+1+i])
			}
		case ShapeBinary:
			// raw bytes, nothing to trace
		}
		scan += size
	}

	h.cells = to
	h.free = tov
}

func toSpaceShapeAt(cells []Value, idx int) (Shape, int) {
	switch cells[idx].Tag() {
	case TagTupleHeader:
		return ShapeTuple, 1 + headerCount(cells[idx])
	case TagBinHeader:
		return ShapeBinary, 1 + BinaryCells(headerCount(cells[idx]))
	default:
		return ShapePair, 2
	}
}

// grow enlarges the heap to make room for at least need more cells, doubling
// capacity a step at a time (spec.md §4.5.4: "grow the heap to the smaller of
// 2x capacity or capacity+needed", repeated until there is enough room).
func (h *Heap) grow(need int) {
	for h.free+need > len(h.cells) {
		doubled := len(h.cells) * 2
		exact := len(h.cells) + need
		newCap := doubled
		if exact < doubled {
			newCap = exact
		}
		if newCap <= len(h.cells) {
			newCap = exact
		}
		grown := make([]Value, newCap)
		copy(grown, h.cells[:h.free])
		h.cells = grown
	}
}
