package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mna/cassette/lang/chunk"
	"github.com/mna/cassette/lang/isa"
	"github.com/mna/cassette/lang/program"
	"github.com/mna/cassette/lang/value"
)

// asm concatenates a sequence of chunk fragments and links them into a flat
// byte slice, the same pipeline lang/codegen uses, just without a compiler
// in front of it.
func asm(t *testing.T, parts ...*chunk.Chunk) []byte {
	t.Helper()
	c := chunk.Empty()
	for _, p := range parts {
		c = chunk.Append(c, p)
	}
	code, err := chunk.Link(c)
	require.NoError(t, err)
	return code
}

func op(o isa.Op) *chunk.Chunk { return chunk.Byte(byte(o), 0) }

func opArg(o isa.Op, n uint64) *chunk.Chunk {
	return chunk.Append(chunk.Byte(byte(o), 0), chunk.Varint(n, 0))
}

func constOp(v value.Value) *chunk.Chunk { return opArg(isa.CONST, uint64(v)) }

func run(t *testing.T, code []byte) (value.Value, error) {
	t.Helper()
	p := &program.Program{Code: code}
	heap := value.NewHeap(64)
	stack := value.NewStack(64)
	m := New(p, heap, stack, Options{MaxSteps: 10000})
	return m.Run(context.Background())
}

func TestVMConstAndHalt(t *testing.T) {
	code := asm(t, constOp(value.MakeInt(42)), op(isa.HALT))
	got, err := run(t, code)
	require.NoError(t, err)
	assert.Equal(t, int32(42), got.Int())
}

func TestVMArithmetic(t *testing.T) {
	code := asm(t, constOp(value.MakeInt(1)), constOp(value.MakeInt(2)), op(isa.ADD))
	got, err := run(t, code)
	require.NoError(t, err)
	assert.Equal(t, int32(3), got.Int())
}

func TestVMDivByZero(t *testing.T) {
	code := asm(t, constOp(value.MakeInt(1)), constOp(value.MakeInt(0)), op(isa.DIV))
	_, err := run(t, code)
	require.Error(t, err)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, DivByZero, re.Kind)
}

func TestVMShiftDirection(t *testing.T) {
	// Negative shift count shifts right (spec.md §4.5.2).
	code := asm(t, constOp(value.MakeInt(8)), constOp(value.MakeInt(-2)), op(isa.SHIFT))
	got, err := run(t, code)
	require.NoError(t, err)
	assert.Equal(t, int32(2), got.Int())

	code = asm(t, constOp(value.MakeInt(1)), constOp(value.MakeInt(3)), op(isa.SHIFT))
	got, err = run(t, code)
	require.NoError(t, err)
	assert.Equal(t, int32(8), got.Int())
}

func TestVMStackOps(t *testing.T) {
	// rot: [a,b,c] -> [b,c,a], then drop top twice leaves b.
	code := asm(t,
		constOp(value.MakeInt(1)),
		constOp(value.MakeInt(2)),
		constOp(value.MakeInt(3)),
		op(isa.ROT),
		op(isa.DROP),
		op(isa.DROP),
	)
	got, err := run(t, code)
	require.NoError(t, err)
	assert.Equal(t, int32(2), got.Int())
}

func TestVMPairHeadTail(t *testing.T) {
	code := asm(t,
		constOp(value.MakeInt(10)),
		constOp(value.MakeInt(20)),
		op(isa.PAIR),
		op(isa.DUP),
		op(isa.HEAD),
		op(isa.SWAP),
		op(isa.TAIL),
		op(isa.ADD),
	)
	got, err := run(t, code)
	require.NoError(t, err)
	assert.Equal(t, int32(30), got.Int())
}

func TestVMTupleGetSet(t *testing.T) {
	code := asm(t,
		opArg(isa.TUPLE, 3),
		op(isa.DUP),
		constOp(value.MakeInt(0)),
		constOp(value.MakeInt(7)),
		op(isa.SET),
		op(isa.DROP),
		constOp(value.MakeInt(0)),
		op(isa.GET),
	)
	got, err := run(t, code)
	require.NoError(t, err)
	assert.Equal(t, int32(7), got.Int())
}

func TestVMGetOutOfBounds(t *testing.T) {
	code := asm(t,
		opArg(isa.TUPLE, 2),
		constOp(value.MakeInt(5)),
		op(isa.GET),
	)
	_, err := run(t, code)
	require.Error(t, err)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, OutOfBounds, re.Kind)
}

func TestVMEqStructural(t *testing.T) {
	code := asm(t,
		constOp(value.MakeInt(1)),
		constOp(value.MakeInt(2)),
		op(isa.PAIR),
		constOp(value.MakeInt(1)),
		constOp(value.MakeInt(2)),
		op(isa.PAIR),
		op(isa.EQ),
	)
	got, err := run(t, code)
	require.NoError(t, err)
	assert.True(t, got.Truthy())
}

func jumpOp(o isa.Op, l chunk.Label) *chunk.Chunk {
	return chunk.Append(chunk.Byte(byte(o), 0), chunk.LabelRef(l, isa.JumpArgWidth, 0))
}

func TestVMBranchTruthiness(t *testing.T) {
	// if 0 then 111 else 222: branch jumps to the else arm on a falsy cond.
	lElse := chunk.Label(1)
	lEnd := chunk.Label(2)

	c := chunk.Empty()
	c = chunk.Append(c, constOp(value.MakeInt(0)))
	c = chunk.Append(c, jumpOp(isa.BRANCH, lElse))
	c = chunk.Append(c, constOp(value.MakeInt(111)))
	c = chunk.Append(c, jumpOp(isa.JUMP, lEnd))
	c = chunk.Append(c, chunk.LabelDef(lElse))
	c = chunk.Append(c, constOp(value.MakeInt(222)))
	c = chunk.Append(c, chunk.LabelDef(lEnd))

	code, err := chunk.Link(c)
	require.NoError(t, err)
	got, err := run(t, code)
	require.NoError(t, err)
	assert.Equal(t, int32(222), got.Int())
}

func TestVMPanic(t *testing.T) {
	code := asm(t, constOp(value.MakeInt(9)), op(isa.PANIC))
	_, err := run(t, code)
	require.Error(t, err)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, Panic, re.Kind)
	assert.Contains(t, re.Msg, "9")
}

func TestVMStepBudgetCancels(t *testing.T) {
	// A JUMP back to itself never halts on its own; the step budget must cut
	// it off.
	c := chunk.Append(chunk.LabelDef(chunk.Label(1)), jumpOp(isa.JUMP, chunk.Label(1)))
	linked, err := chunk.Link(c)
	require.NoError(t, err)

	p := &program.Program{Code: linked}
	heap := value.NewHeap(64)
	stack := value.NewStack(64)
	m := New(p, heap, stack, Options{MaxSteps: 50})
	_, err = m.Run(context.Background())
	require.Error(t, err)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, Cancelled, re.Kind)
}

func TestVMGCRelocatesLiveValues(t *testing.T) {
	// A tiny heap forces MaybeGC to collect mid-program; the pair built just
	// before must still read back correctly after relocation.
	code := asm(t,
		constOp(value.MakeInt(1)),
		constOp(value.MakeInt(2)),
		op(isa.PAIR),
		opArg(isa.TUPLE, 1),
		op(isa.DROP),
		op(isa.HEAD),
	)
	p := &program.Program{Code: code}
	heap := value.NewHeap(4)
	stack := value.NewStack(64)
	m := New(p, heap, stack, Options{MaxSteps: 10000})
	got, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), got.Int())
}
