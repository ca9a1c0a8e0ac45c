package compenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefineAndLookupSameFrame(t *testing.T) {
	e := New()
	e.Define("x")
	n := e.Define("y")
	assert.Equal(t, 1, n)

	got, ok := e.Lookup("y")
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestLookupWalksOuterFramesAndSubtractsSize(t *testing.T) {
	outer := New()
	outer.Define("x")
	outer.Define("y")
	inner := outer.Push()
	inner.Define("z")

	// "x" is past the whole inner frame (size 1) plus its own slot 0 in the
	// outer frame, so its flat address is 1; at run time the VM sees n=1,
	// the inner frame has size 1 so 1>=1 moves up and n becomes 0, landing
	// on slot 0 of the outer frame.
	got, ok := inner.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, 1, got)

	got, ok = inner.Lookup("y")
	require.True(t, ok)
	assert.Equal(t, 2, got)

	_, ok = inner.Lookup("q")
	assert.False(t, ok)
}

func TestInnerShadowsOuter(t *testing.T) {
	outer := New()
	outer.Define("x")
	inner := outer.Push()
	inner.Define("x")

	got, ok := inner.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, 0, got)
}

func TestPopReturnsParent(t *testing.T) {
	outer := New()
	inner := outer.Push()
	assert.Same(t, outer, inner.Pop())
	assert.Nil(t, outer.Pop())
}

func TestSizeReflectsOwnFrameOnly(t *testing.T) {
	outer := New()
	outer.Define("x")
	inner := outer.Push()
	inner.Define("y")
	inner.Define("z")

	assert.Equal(t, 1, outer.Size())
	assert.Equal(t, 2, inner.Size())
}
