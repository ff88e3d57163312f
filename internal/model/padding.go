package model

import "log"

// PackedBatch is a ragged batch flattened into one token stream with no
// padding. Indices records where each kept token lived in the original
// (batch, seqLen) grid so results can be scattered back.
type PackedBatch struct {
	InputIDs    []int32
	PositionIDs []int32
	CuSeqlens   []int32
	MaxSeqlen   int

	Indices   []int
	BatchSize int
	SeqLen    int
}

// NNZ returns the number of real tokens in the batch.
func (b *PackedBatch) NNZ() int { return len(b.InputIDs) }

// PaddedAdapter converts between the conventional padded (batch, seqLen)
// representation and the packed stream the model consumes. Position ids are
// derived as a per-row running count of unmasked tokens unless the caller
// supplies its own.
type PaddedAdapter struct{}

// Pack flattens padded inputIDs under attentionMask (1 = real token, 0 =
// padding). positions may be nil, in which case positions are computed as
// cumulative-sum-of-mask minus one, clamped at zero on masked slots; when
// supplied it must match the shape of inputIDs and is honored verbatim for
// the kept tokens. All rows must share one length; a ragged or mismatched
// input panics.
func (PaddedAdapter) Pack(inputIDs, attentionMask [][]int32, positions [][]int32) *PackedBatch {
	batchSize := len(inputIDs)
	seqLen := 0
	if batchSize > 0 {
		seqLen = len(inputIDs[0])
	}

	if len(attentionMask) != batchSize {
		log.Panicf("Pack: attentionMask rows (%d) != inputIDs rows (%d)", len(attentionMask), batchSize)
	}
	if positions != nil && len(positions) != batchSize {
		log.Panicf("Pack: positions rows (%d) != inputIDs rows (%d)", len(positions), batchSize)
	}
	for r := 0; r < batchSize; r++ {
		if len(inputIDs[r]) != seqLen {
			log.Panicf("Pack: inputIDs row %d has %d columns, expected %d", r, len(inputIDs[r]), seqLen)
		}
		if len(attentionMask[r]) != seqLen {
			log.Panicf("Pack: attentionMask row %d has %d columns, expected %d", r, len(attentionMask[r]), seqLen)
		}
		if positions != nil && len(positions[r]) != seqLen {
			log.Panicf("Pack: positions row %d has %d columns, expected %d", r, len(positions[r]), seqLen)
		}
	}

	batch := &PackedBatch{
		CuSeqlens: make([]int32, 1, batchSize+1),
		BatchSize: batchSize,
		SeqLen:    seqLen,
	}

	for r := 0; r < batchSize; r++ {
		kept := int32(0)
		for c := 0; c < seqLen; c++ {
			if attentionMask[r][c] == 0 {
				continue
			}
			batch.InputIDs = append(batch.InputIDs, inputIDs[r][c])
			if positions != nil {
				batch.PositionIDs = append(batch.PositionIDs, positions[r][c])
			} else {
				batch.PositionIDs = append(batch.PositionIDs, kept)
			}
			batch.Indices = append(batch.Indices, r*seqLen+c)
			kept++
		}
		batch.CuSeqlens = append(batch.CuSeqlens, batch.CuSeqlens[r]+kept)
		if int(kept) > batch.MaxSeqlen {
			batch.MaxSeqlen = int(kept)
		}
	}
	return batch
}

// UnpackLogits scatters flat per-token rows (nnz x width) back into a padded
// (batchSize*seqLen x width) grid. Padding rows are zero-filled; zeros there
// carry no meaning and must not be read as probabilities.
func (PaddedAdapter) UnpackLogits(flat []float32, width int, batch *PackedBatch) []float32 {
	out := make([]float32, batch.BatchSize*batch.SeqLen*width)
	for i, idx := range batch.Indices {
		copy(out[idx*width:(idx+1)*width], flat[i*width:(i+1)*width])
	}
	return out
}
