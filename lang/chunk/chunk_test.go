package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendFlagLaws(t *testing.T) {
	cases := []struct {
		name                   string
		aNeeds, aMod           bool
		bNeeds, bMod           bool
		wantNeeds, wantModifes bool
	}{
		{"neither", false, false, false, false, false, false},
		{"a needs", true, false, false, false, true, false},
		{"b needs, a doesn't modify", false, false, true, false, true, false},
		{"b needs, a modifies", false, true, true, false, false, true},
		{"both modify", true, true, false, true, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := &Chunk{Bytes: []byte{1}, NeedsEnv: tc.aNeeds, ModifiesEnv: tc.aMod}
			b := &Chunk{Bytes: []byte{2}, NeedsEnv: tc.bNeeds, ModifiesEnv: tc.bMod}
			got := Append(a, b)
			assert.Equal(t, tc.wantNeeds, got.NeedsEnv, "needs_env")
			assert.Equal(t, tc.wantModifes, got.ModifiesEnv, "modifies_env")
			assert.Equal(t, []byte{1, 2}, got.Bytes)
		})
	}
}

func TestPreservingEnvWrapsOnlyWhenNeeded(t *testing.T) {
	save := Byte(0xAA, 0)
	restore := Byte(0xBB, 0)

	a := &Chunk{Bytes: []byte{1}, ModifiesEnv: true}
	b := &Chunk{Bytes: []byte{2}, NeedsEnv: true}

	got := PreservingEnv(a, b, save, restore)
	require.Equal(t, []byte{0xAA, 1, 0xBB, 2}, got.Bytes)
	assert.True(t, got.NeedsEnv)
	assert.False(t, got.ModifiesEnv)

	// when b does not need env, no wrapping occurs and this is just Append.
	c := &Chunk{Bytes: []byte{3}}
	got2 := PreservingEnv(a, c, save, restore)
	assert.Equal(t, []byte{1, 3}, got2.Bytes)
}

func TestParallelUnionsFlags(t *testing.T) {
	a := &Chunk{Bytes: []byte{1}, NeedsEnv: true}
	b := &Chunk{Bytes: []byte{2}, ModifiesEnv: true}
	got := Parallel(a, b)
	assert.True(t, got.NeedsEnv)
	assert.True(t, got.ModifiesEnv)
}

func TestTackOnIgnoresBFlags(t *testing.T) {
	a := &Chunk{Bytes: []byte{1}, NeedsEnv: true}
	b := &Chunk{Bytes: []byte{2}, NeedsEnv: true, ModifiesEnv: true}
	got := TackOn(a, b)
	assert.True(t, got.NeedsEnv)
	assert.False(t, got.ModifiesEnv)
	assert.Equal(t, []byte{1, 2}, got.Bytes)
}

// TestLabelResolution exercises testable property 4: for every label-ref L
// with encoded offset k at byte position p, and label L at position q,
// k = q - (p + 1).
func TestLabelResolution(t *testing.T) {
	const width = 4
	l := Label(1)

	prefix := Byte(0x01, 0)
	ref := LabelRef(l, width, 0)
	middle := Byte(0x02, 0)
	def := LabelDef(l)
	suffix := Byte(0x03, 0)

	whole := Append(Append(Append(Append(prefix, ref), middle), def), suffix)
	code, err := Link(whole)
	require.NoError(t, err)

	// byte layout: [0]=0x01 prefix, [1..5)=ref placeholder, [5]=0x02 middle,
	// (label at offset 6, zero bytes), [6]=0x03 suffix.
	require.Len(t, code, 1+width+1+1)
	p := 1 // offset of the label-ref placeholder
	q := 6 // offset where the label was defined
	gotK, _ := DecodeFixedAsInt32(code, p)
	assert.Equal(t, int32(q-(p+1)), gotK)
}

func DecodeFixedAsInt32(code []byte, pos int) (int32, int) {
	v, n := decodeFixed32(code, pos)
	return v, n
}

func decodeFixed32(code []byte, pos int) (int32, int) {
	u := uint32(code[pos]) | uint32(code[pos+1])<<8 | uint32(code[pos+2])<<16 | uint32(code[pos+3])<<24
	return int32(u), pos + 4
}

func TestUnresolvedLabelIsLinkError(t *testing.T) {
	c := LabelRef(Label(42), 4, 0)
	_, err := Link(c)
	require.Error(t, err)
	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
}

func TestVarintRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 127, 128, 300, 1 << 20} {
		c := Varint(n, 0)
		got, _ := DecodeUvarint(c.Bytes, 0)
		assert.Equal(t, n, got)
	}
	for _, n := range []int64{0, 1, -1, 63, -64, 12345, -12345} {
		c := SignedVarint(n, 0)
		got, _ := DecodeSvarint(c.Bytes, 0)
		assert.Equal(t, n, got)
	}
}
