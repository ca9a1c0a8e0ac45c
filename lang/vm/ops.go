package vm

import (
	"github.com/mna/cassette/lang/isa"
	"github.com/mna/cassette/lang/primitives"
	"github.com/mna/cassette/lang/value"
)

// binArith implements the two-operand integer opcodes (spec.md §4.5.2):
// both operands are popped in reverse push order (y on top, then x), so
// `x op y` matches the left-to-right source order lang/codegen's
// compileBinaryOp compiled them in.
func (m *Machine) binArith(op isa.Op) error {
	s := m.Stack
	if s.Len() < 2 {
		return newError(StackUnderflow, "%s: need 2 operands", op)
	}
	y := s.Pop()
	x := s.Pop()
	if !x.IsInt() || !y.IsInt() {
		return newError(TypeError, "%s: operands must be integers", op)
	}
	xi, yi := int64(x.Int()), int64(y.Int())

	var result int64
	switch op {
	case isa.ADD:
		result = xi + yi
	case isa.SUB:
		result = xi - yi
	case isa.MUL:
		result = xi * yi
	case isa.DIV:
		if yi == 0 {
			return newError(DivByZero, "division by zero")
		}
		result = xi / yi
	case isa.REM:
		if yi == 0 {
			return newError(DivByZero, "remainder by zero")
		}
		result = xi % yi
	case isa.AND:
		result = xi & yi
	case isa.OR:
		result = xi | yi
	case isa.XOR:
		result = xi ^ yi
	case isa.SHIFT:
		if yi < 0 {
			result = xi >> uint(-yi)
		} else {
			result = xi << uint(yi)
		}
	case isa.LT:
		result = boolInt(xi < yi)
	case isa.GT:
		result = boolInt(xi > yi)
	}
	s.Push(value.MakeInt(result))
	return nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// binEq implements structural equality for pairs, tuples and binaries
// (spec.md §4.5.2) and falls back to bit equality for everything else
// (two ints, or an object compared against a non-matching shape). Recursion
// is depth-bounded rather than cycle-safe: spec.md does not specify cyclic
// structural comparison, so a pathological cyclic pair simply reports
// unequal past the bound instead of looping forever.
func (m *Machine) binEq() error {
	s := m.Stack
	if s.Len() < 2 {
		return newError(StackUnderflow, "eq: need 2 operands")
	}
	y := s.Pop()
	x := s.Pop()
	s.Push(value.MakeInt(boolInt(m.structEqual(x, y, 64))))
	return nil
}

func (m *Machine) structEqual(x, y value.Value, depth int) bool {
	if x == y {
		return true
	}
	if depth <= 0 {
		return false
	}
	if !x.IsObject() || !y.IsObject() || x.IsNil() || y.IsNil() {
		return false
	}
	xShape, _ := m.Heap.ShapeAt(x.Index())
	yShape, _ := m.Heap.ShapeAt(y.Index())
	if xShape != yShape {
		return false
	}
	switch xShape {
	case value.ShapePair:
		xh, xt := m.Heap.Pair(x)
		yh, yt := m.Heap.Pair(y)
		return m.structEqual(xh, yh, depth-1) && m.structEqual(xt, yt, depth-1)
	case value.ShapeTuple:
		if m.Heap.TupleLen(x) != m.Heap.TupleLen(y) {
			return false
		}
		for i := 0; i < m.Heap.TupleLen(x); i++ {
			if !m.structEqual(m.Heap.TupleGet(x, i), m.Heap.TupleGet(y, i), depth-1) {
				return false
			}
		}
		return true
	case value.ShapeBinary:
		xb, yb := m.Heap.BinaryBytes(x), m.Heap.BinaryBytes(y)
		if len(xb) != len(yb) {
			return false
		}
		for i := range xb {
			if xb[i] != yb[i] {
				return false
			}
		}
		return true
	}
	return false
}

func (m *Machine) unary(op isa.Op) error {
	s := m.Stack
	if s.Len() < 1 {
		return newError(StackUnderflow, "%s: need 1 operand", op)
	}
	x := s.Pop()
	switch op {
	case isa.NOT:
		s.Push(value.MakeInt(boolInt(!x.Truthy())))
		return nil
	case isa.COMP:
		if !x.IsInt() {
			return newError(TypeError, "comp: operand must be an integer")
		}
		s.Push(value.MakeInt(int64(^x.Int())))
		return nil
	case isa.NEG:
		if !x.IsInt() {
			return newError(TypeError, "neg: operand must be an integer")
		}
		s.Push(value.MakeInt(-int64(x.Int())))
		return nil
	}
	return newError(TypeError, "unimplemented unary opcode %s", op)
}

func (m *Machine) opPair() error {
	s := m.Stack
	if s.Len() < 2 {
		return newError(StackUnderflow, "pair: need 2 operands")
	}
	tail := s.Pop()
	head := s.Pop()
	m.temps[0], m.temps[1] = head, tail
	m.Heap.MaybeGC(2, m.roots())
	head, tail = m.temps[0], m.temps[1]
	s.Push(m.Heap.AllocPair(head, tail))
	return nil
}

func (m *Machine) opHeadTail(wantHead bool) error {
	s := m.Stack
	if s.Len() < 1 {
		return newError(StackUnderflow, "head/tail: need 1 operand")
	}
	v := s.Pop()
	if !v.IsObject() || v.IsNil() {
		return newError(TypeError, "head/tail: operand is not a pair")
	}
	if shape, _ := m.Heap.ShapeAt(v.Index()); shape != value.ShapePair {
		return newError(TypeError, "head/tail: operand is not a pair")
	}
	head, tail := m.Heap.Pair(v)
	if wantHead {
		s.Push(head)
	} else {
		s.Push(tail)
	}
	return nil
}

func (m *Machine) opLen() error {
	s := m.Stack
	if s.Len() < 1 {
		return newError(StackUnderflow, "len: need 1 operand")
	}
	v := s.Pop()
	if !v.IsObject() || v.IsNil() {
		return newError(TypeError, "len: operand is not a container")
	}
	switch shape, _ := m.Heap.ShapeAt(v.Index()); shape {
	case value.ShapeTuple:
		s.Push(value.MakeInt(int64(m.Heap.TupleLen(v))))
	case value.ShapeBinary:
		s.Push(value.MakeInt(int64(m.Heap.BinaryLen(v))))
	default:
		return newError(TypeError, "len: operand is not a tuple or binary")
	}
	return nil
}

func (m *Machine) opGet() error {
	s := m.Stack
	if s.Len() < 2 {
		return newError(StackUnderflow, "get: need 2 operands")
	}
	idx := s.Pop()
	container := s.Pop()
	if !idx.IsInt() {
		return newError(TypeError, "get: index must be an integer")
	}
	if !container.IsObject() || container.IsNil() {
		return newError(TypeError, "get: operand is not a tuple")
	}
	if shape, _ := m.Heap.ShapeAt(container.Index()); shape != value.ShapeTuple {
		return newError(TypeError, "get: operand is not a tuple")
	}
	i := int(idx.Int())
	if i < 0 || i >= m.Heap.TupleLen(container) {
		return newError(OutOfBounds, "get: index %d out of range", i)
	}
	s.Push(m.Heap.TupleGet(container, i))
	return nil
}

func (m *Machine) opSet() error {
	s := m.Stack
	if s.Len() < 3 {
		return newError(StackUnderflow, "set: need 3 operands")
	}
	elem := s.Pop()
	idx := s.Pop()
	container := s.Pop()
	if !idx.IsInt() {
		return newError(TypeError, "set: index must be an integer")
	}
	if !container.IsObject() || container.IsNil() {
		return newError(TypeError, "set: operand is not a tuple")
	}
	if shape, _ := m.Heap.ShapeAt(container.Index()); shape != value.ShapeTuple {
		return newError(TypeError, "set: operand is not a tuple")
	}
	i := int(idx.Int())
	if i < 0 || i >= m.Heap.TupleLen(container) {
		return newError(OutOfBounds, "set: index %d out of range", i)
	}
	m.Heap.TupleSet(container, i, elem)
	s.Push(container)
	return nil
}

func (m *Machine) opStr() error {
	s := m.Stack
	if s.Len() < 1 {
		return newError(StackUnderflow, "str: need 1 operand")
	}
	v := s.Pop()
	if !v.IsInt() {
		return newError(TypeError, "str: operand must be a symbol")
	}
	// Symbol ids are interned at lang/codegen.SymbolBits (29) wide, so the
	// signed payload is non-negative and this conversion reproduces the id
	// the table registered exactly.
	name, ok := m.symtab.Name(uint32(v.Int()))
	if !ok {
		return newError(TypeError, "str: %d is not a registered symbol", v.Int())
	}
	m.Heap.MaybeGC(value.BinaryCells(len(name))+1, m.roots())
	s.Push(m.Heap.AllocBinary([]byte(name)))
	return nil
}

func (m *Machine) opJoin() error {
	s := m.Stack
	if s.Len() < 2 {
		return newError(StackUnderflow, "join: need 2 operands")
	}
	y := s.Pop()
	x := s.Pop()
	if !x.IsObject() || !y.IsObject() || x.IsNil() || y.IsNil() {
		return newError(TypeError, "join: operands must be tuples or binaries of the same type")
	}
	xShape, _ := m.Heap.ShapeAt(x.Index())
	yShape, _ := m.Heap.ShapeAt(y.Index())
	if xShape != yShape {
		return newError(TypeError, "join: operands must be the same container type")
	}
	m.temps[0], m.temps[1] = x, y
	switch xShape {
	case value.ShapeBinary:
		total := m.Heap.BinaryLen(x) + m.Heap.BinaryLen(y)
		m.Heap.MaybeGC(value.BinaryCells(total)+1, m.roots())
		x, y = m.temps[0], m.temps[1]
		data := append(append([]byte{}, m.Heap.BinaryBytes(x)...), m.Heap.BinaryBytes(y)...)
		s.Push(m.Heap.AllocBinary(data))
	case value.ShapeTuple:
		xn, yn := m.Heap.TupleLen(x), m.Heap.TupleLen(y)
		m.Heap.MaybeGC(1+xn+yn, m.roots())
		x, y = m.temps[0], m.temps[1]
		out := m.Heap.AllocTuple(xn + yn)
		for i := 0; i < xn; i++ {
			m.Heap.TupleSet(out, i, m.Heap.TupleGet(x, i))
		}
		for i := 0; i < yn; i++ {
			m.Heap.TupleSet(out, xn+i, m.Heap.TupleGet(y, i))
		}
		s.Push(out)
	default:
		return newError(TypeError, "join: operands must be tuples or binaries")
	}
	return nil
}

func (m *Machine) opSlice() error {
	s := m.Stack
	if s.Len() < 3 {
		return newError(StackUnderflow, "slice: need 3 operands")
	}
	hi := s.Pop()
	lo := s.Pop()
	base := s.Pop()
	if !lo.IsInt() || !hi.IsInt() {
		return newError(TypeError, "slice: bounds must be integers")
	}
	if !base.IsObject() || base.IsNil() {
		return newError(TypeError, "slice: operand is not a tuple or binary")
	}
	loi, hii := int(lo.Int()), int(hi.Int())

	m.temps[0] = base
	shape, _ := m.Heap.ShapeAt(base.Index())
	switch shape {
	case value.ShapeBinary:
		n := m.Heap.BinaryLen(base)
		if loi < 0 || hii > n || loi > hii {
			return newError(OutOfBounds, "slice: [%d:%d] out of range for length %d", loi, hii, n)
		}
		m.Heap.MaybeGC(value.BinaryCells(hii-loi)+1, m.roots())
		base = m.temps[0]
		data := m.Heap.BinaryBytes(base)[loi:hii]
		s.Push(m.Heap.AllocBinary(data))
	case value.ShapeTuple:
		n := m.Heap.TupleLen(base)
		if loi < 0 || hii > n || loi > hii {
			return newError(OutOfBounds, "slice: [%d:%d] out of range for length %d", loi, hii, n)
		}
		m.Heap.MaybeGC(1+(hii-loi), m.roots())
		base = m.temps[0]
		out := m.Heap.AllocTuple(hii - loi)
		for i := loi; i < hii; i++ {
			m.Heap.TupleSet(out, i-loi, m.Heap.TupleGet(base, i))
		}
		s.Push(out)
	default:
		return newError(TypeError, "slice: operand is not a tuple or binary")
	}
	return nil
}

// envLookup/envDefine implement the flat lexical-address model lang/compenv
// assigns at compile time: env is a chain of pair(frameTuple, parentEnv)
// cells, and a single address n walks outward one frame at a time,
// subtracting each frame's size, until n falls inside the current frame.
func (m *Machine) envLookup(n int) (value.Value, error) {
	env := m.regs[isa.RegEnv]
	for {
		if !env.IsObject() || env.IsNil() {
			return value.Nil, newError(UndefinedVariable, "lookup %d: environment chain exhausted", n)
		}
		frame, parent := m.Heap.Pair(env)
		size := m.Heap.TupleLen(frame)
		if n < size {
			return m.Heap.TupleGet(frame, n), nil
		}
		n -= size
		env = parent
	}
}

func (m *Machine) envDefine(n int, v value.Value) error {
	env := m.regs[isa.RegEnv]
	for {
		if !env.IsObject() || env.IsNil() {
			return newError(UndefinedVariable, "define %d: environment chain exhausted", n)
		}
		frame, parent := m.Heap.Pair(env)
		size := m.Heap.TupleLen(frame)
		if n < size {
			m.Heap.TupleSet(frame, n, v)
			return nil
		}
		n -= size
		env = parent
	}
}

// opTrap dispatches a `trap id` instruction: pops exactly the primitive's
// declared arity (reversing them back into natural left-to-right call
// order, since the stack pops in reverse of lang/codegen's push order) and
// pushes its single result. A primitive that allocates reserves heap room
// for its exact output itself, through the Context.Reserve hook New
// installs, once it has finished reading its heap-derived arguments.
func (m *Machine) opTrap(id int) error {
	if id < 0 || id >= len(primitives.Table) {
		return newError(TypeError, "trap: unknown id %d", id)
	}
	entry := primitives.Table[id]
	s := m.Stack
	if s.Len() < entry.Arity {
		return newError(StackUnderflow, "trap %s: need %d operand(s)", entry.Name, entry.Arity)
	}
	args := make([]value.Value, entry.Arity)
	for i := entry.Arity - 1; i >= 0; i-- {
		args[i] = s.Pop()
	}

	result, err := entry.Fn(m.prims, args)
	if err != nil {
		return newError(IOError, "%s: %s", entry.Name, err.Error())
	}
	s.Push(result)
	return nil
}
