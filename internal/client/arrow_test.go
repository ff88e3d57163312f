package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"

	"github.com/23skdu/longbow-bodkin/internal/scoring"
)

func TestBuildRecordBatch(t *testing.T) {
	pool := memory.NewGoAllocator()
	builder := NewRecordBatchBuilder(pool)

	t.Run("Empty input", func(t *testing.T) {
		rb, err := builder.BuildRecordBatch(nil, nil)
		assert.NoError(t, err)
		assert.Nil(t, rb)
	})

	t.Run("Valid input", func(t *testing.T) {
		seqs := [][]int32{
			{1, 4, 7},
			{2, 9},
		}
		results := []scoring.Result{
			{Logprobs: []float32{-0.5, -1.5}, MeanNLL: 1.0},
			{Logprobs: []float32{-2.0}, MeanNLL: 2.0},
		}

		rb, err := builder.BuildRecordBatch(seqs, results)
		assert.NoError(t, err)
		assert.NotNil(t, rb)
		defer rb.Release()

		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, int64(3), rb.NumCols())
		assert.Equal(t, "token_ids", rb.ColumnName(0))
		assert.Equal(t, "logprobs", rb.ColumnName(1))
		assert.Equal(t, "mean_nll", rb.ColumnName(2))

		ids := rb.Column(0).(*array.List)
		assert.Equal(t, []int32{0, 3, 5}, ids.Offsets())
		idValues := ids.ListValues().(*array.Int32)
		assert.Equal(t, int32(1), idValues.Value(0))
		assert.Equal(t, int32(9), idValues.Value(4))

		lps := rb.Column(1).(*array.List)
		assert.Equal(t, []int32{0, 2, 3}, lps.Offsets())
		lpValues := lps.ListValues().(*array.Float32)
		assert.Equal(t, float32(-0.5), lpValues.Value(0))
		assert.Equal(t, float32(-2.0), lpValues.Value(2))

		nll := rb.Column(2).(*array.Float64)
		assert.Equal(t, 1.0, nll.Value(0))
		assert.Equal(t, 2.0, nll.Value(1))
	})
}
