package client

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/scoring"
)

// ScoreSchema is the wire schema for scored sequences: the input token ids,
// the per-token logprobs (one fewer entry than tokens), and the sequence
// mean negative log-likelihood.
var ScoreSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "token_ids", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "logprobs", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "mean_nll", Type: arrow.PrimitiveTypes.Float64},
	},
	nil,
)

// RecordBatchBuilder creates Arrow RecordBatches from scoring results.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts sequences and their scores into one RecordBatch
// following ScoreSchema. seqs and results must be the same length.
func (b *RecordBatchBuilder) BuildRecordBatch(seqs [][]int32, results []scoring.Result) (arrow.Record, error) {
	if len(seqs) == 0 {
		return nil, nil
	}

	idsBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int32)
	defer idsBuilder.Release()
	idsValues := idsBuilder.ValueBuilder().(*array.Int32Builder)

	lpBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer lpBuilder.Release()
	lpValues := lpBuilder.ValueBuilder().(*array.Float32Builder)

	nllBuilder := array.NewFloat64Builder(b.mem)
	defer nllBuilder.Release()

	for i, seq := range seqs {
		idsBuilder.Append(true)
		idsValues.AppendValues(seq, nil)

		lpBuilder.Append(true)
		lpValues.AppendValues(results[i].Logprobs, nil)

		nllBuilder.Append(results[i].MeanNLL)
	}

	cols := []arrow.Array{idsBuilder.NewArray(), lpBuilder.NewArray(), nllBuilder.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecord(ScoreSchema, cols, int64(len(seqs))), nil
}
