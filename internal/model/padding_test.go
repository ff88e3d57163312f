package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackDerivesPositions(t *testing.T) {
	var adapter PaddedAdapter

	// Row 0: left-padded. Row 1: full. Row 2: right-padded.
	ids := [][]int32{
		{0, 0, 5, 6},
		{1, 2, 3, 4},
		{7, 8, 0, 0},
	}
	mask := [][]int32{
		{0, 0, 1, 1},
		{1, 1, 1, 1},
		{1, 1, 0, 0},
	}

	batch := adapter.Pack(ids, mask, nil)

	assert.Equal(t, []int32{5, 6, 1, 2, 3, 4, 7, 8}, batch.InputIDs)
	assert.Equal(t, []int32{0, 1, 0, 1, 2, 3, 0, 1}, batch.PositionIDs)
	assert.Equal(t, []int32{0, 2, 6, 8}, batch.CuSeqlens)
	assert.Equal(t, 4, batch.MaxSeqlen)
	assert.Equal(t, []int{2, 3, 4, 5, 6, 7, 8, 9}, batch.Indices)
	assert.Equal(t, 8, batch.NNZ())
}

func TestPackHonorsSuppliedPositions(t *testing.T) {
	var adapter PaddedAdapter

	ids := [][]int32{{3, 4, 0}}
	mask := [][]int32{{1, 1, 0}}
	positions := [][]int32{{10, 11, 0}}

	batch := adapter.Pack(ids, mask, positions)
	assert.Equal(t, []int32{10, 11}, batch.PositionIDs)
}

func TestPackFullyMaskedRow(t *testing.T) {
	var adapter PaddedAdapter

	ids := [][]int32{
		{1, 2},
		{0, 0},
		{3, 4},
	}
	mask := [][]int32{
		{1, 1},
		{0, 0},
		{1, 1},
	}

	batch := adapter.Pack(ids, mask, nil)
	require.Equal(t, []int32{0, 2, 2, 4}, batch.CuSeqlens)
	assert.Equal(t, 4, batch.NNZ())
}

func TestPackRejectsMismatchedShapes(t *testing.T) {
	var adapter PaddedAdapter

	ids := [][]int32{
		{1, 2, 3},
		{4, 5, 6},
	}

	cases := []struct {
		name      string
		mask      [][]int32
		positions [][]int32
	}{
		{name: "ragged mask row", mask: [][]int32{{1, 1, 1}, {1, 1}}},
		{name: "missing mask row", mask: [][]int32{{1, 1, 1}}},
		{name: "ragged positions row", mask: [][]int32{{1, 1, 1}, {1, 1, 1}}, positions: [][]int32{{0, 1, 2}, {0}}},
		{name: "missing positions row", mask: [][]int32{{1, 1, 1}, {1, 1, 1}}, positions: [][]int32{{0, 1, 2}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Panics(t, func() { adapter.Pack(ids, tc.mask, tc.positions) })
		})
	}
}

func TestPackRejectsRaggedInputIDs(t *testing.T) {
	var adapter PaddedAdapter

	ids := [][]int32{
		{1, 2, 3},
		{4, 5},
	}
	mask := [][]int32{
		{1, 1, 1},
		{1, 1, 0},
	}
	assert.Panics(t, func() { adapter.Pack(ids, mask, nil) })
}

func TestUnpackLogitsZeroFillsPadding(t *testing.T) {
	var adapter PaddedAdapter

	ids := [][]int32{{0, 9}}
	mask := [][]int32{{0, 1}}
	batch := adapter.Pack(ids, mask, nil)

	flat := []float32{1.5, -2.5}
	out := adapter.UnpackLogits(flat, 2, batch)

	require.Len(t, out, 4)
	assert.Equal(t, []float32{0, 0, 1.5, -2.5}, out)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	var adapter PaddedAdapter

	ids := [][]int32{
		{1, 2, 3, 0},
		{4, 5, 0, 0},
	}
	mask := [][]int32{
		{1, 1, 1, 0},
		{1, 1, 0, 0},
	}
	batch := adapter.Pack(ids, mask, nil)

	width := 3
	flat := make([]float32, batch.NNZ()*width)
	for i := range flat {
		flat[i] = float32(i) + 0.5
	}

	out := adapter.UnpackLogits(flat, width, batch)
	for i, idx := range batch.Indices {
		for j := 0; j < width; j++ {
			assert.Equal(t, flat[i*width+j], out[idx*width+j])
		}
	}
}
