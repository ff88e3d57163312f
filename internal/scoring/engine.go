package scoring

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/cache"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/model"
)

// Result holds the score for one input sequence.
type Result struct {
	// Logprobs[i] is the log-probability of token i+1 given tokens [0, i].
	// A sequence of length n yields n-1 entries; length 0 or 1 yields none.
	Logprobs []float32
	// MeanNLL is the mean negative log-likelihood over Logprobs, 0 when
	// there are no predicted tokens.
	MeanNLL float64
}

// StreamResult is one internal batch worth of scores, emitted in input
// order. Offset is the index of the first sequence covered.
type StreamResult struct {
	Offset  int
	Results []Result
	Err     error
}

// Engine manages packing and model inference for sequence scoring.
type Engine struct {
	model             *model.CausalLM
	cache             cache.ScoreCache
	internalBatchSize int
	maxSeqlen         int
	vocab             int

	// One forward pass at a time per engine; the backend parallelizes
	// internally across sequences and rows.
	mu sync.Mutex
}

// NewEngine builds the model for the given configuration and wires the score
// cache. scores may be nil to disable caching. Weights start at the random
// initialization; callers load a checkpoint through the model's exported
// parameter tensors.
func NewEngine(config model.Config, backend device.Backend, scores cache.ScoreCache, internalBatchSize int) (*Engine, error) {
	m, err := model.NewCausalLM(config, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	m.InitRandom(1)

	if internalBatchSize <= 0 {
		internalBatchSize = 32
	}

	maxSeqlen := config.MaxPositionEmbeddings
	if config.ExtendContextTo > maxSeqlen {
		maxSeqlen = config.ExtendContextTo
	}

	log.Info().
		Str("backend", backend.Name()).
		Int("layers", config.NumHiddenLayers).
		Int("hidden", config.HiddenSize).
		Int("internal_batch", internalBatchSize).
		Msg("scoring engine initialized")

	return &Engine{
		model:             m,
		cache:             scores,
		internalBatchSize: internalBatchSize,
		maxSeqlen:         maxSeqlen,
		vocab:             config.VocabSize,
	}, nil
}

// Model exposes the underlying model, primarily for weight loading.
func (e *Engine) Model() *model.CausalLM { return e.model }

// ScoreBatch scores a batch of token-id sequences and returns one Result per
// input, in order.
func (e *Engine) ScoreBatch(seqs [][]int32) ([]Result, error) {
	if err := e.validate(seqs); err != nil {
		return nil, err
	}

	results := make([]Result, len(seqs))
	keys := e.hashAll(seqs)

	// Cache pass: collect misses, keep hit results in place.
	var missIdx []int
	if e.cache != nil {
		for i := range seqs {
			if entry, ok := e.cache.Get(keys[i]); ok {
				results[i] = Result{Logprobs: entry.Logprobs, MeanNLL: entry.MeanNLL}
				continue
			}
			missIdx = append(missIdx, i)
		}
	} else {
		missIdx = make([]int, len(seqs))
		for i := range missIdx {
			missIdx[i] = i
		}
	}

	for start := 0; start < len(missIdx); start += e.internalBatchSize {
		end := start + e.internalBatchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		chunk := missIdx[start:end]

		batchSeqs := make([][]int32, len(chunk))
		for j, i := range chunk {
			batchSeqs[j] = seqs[i]
		}
		scored, err := e.scoreChunk(batchSeqs)
		if err != nil {
			return nil, err
		}
		for j, i := range chunk {
			results[i] = scored[j]
			if e.cache != nil {
				e.cache.Put(keys[i], cache.Entry{Logprobs: scored[j].Logprobs, MeanNLL: scored[j].MeanNLL})
			}
		}
	}
	return results, nil
}

// ScoreStream scores seqs in internal batches, sending each batch's results
// on the returned channel as soon as it completes. The channel is closed
// when all batches are done; a batch error is sent and terminates the
// stream. Caching is bypassed in streaming mode.
func (e *Engine) ScoreStream(seqs [][]int32) <-chan StreamResult {
	out := make(chan StreamResult, 1)
	go func() {
		defer close(out)
		if err := e.validate(seqs); err != nil {
			out <- StreamResult{Err: err}
			return
		}
		for start := 0; start < len(seqs); start += e.internalBatchSize {
			end := start + e.internalBatchSize
			if end > len(seqs) {
				end = len(seqs)
			}
			scored, err := e.scoreChunk(seqs[start:end])
			if err != nil {
				out <- StreamResult{Offset: start, Err: err}
				return
			}
			out <- StreamResult{Offset: start, Results: scored}
		}
	}()
	return out
}

// scoreChunk packs one internal batch, runs the forward pass, and extracts
// per-token logprobs. Sequences shorter than 2 tokens pass through with an
// empty result.
func (e *Engine) scoreChunk(seqs [][]int32) ([]Result, error) {
	started := time.Now()

	batch := &model.PackedBatch{CuSeqlens: []int32{0}}
	for _, seq := range seqs {
		for p, id := range seq {
			batch.InputIDs = append(batch.InputIDs, id)
			batch.PositionIDs = append(batch.PositionIDs, int32(p))
		}
		batch.CuSeqlens = append(batch.CuSeqlens, batch.CuSeqlens[len(batch.CuSeqlens)-1]+int32(len(seq)))
		if len(seq) > batch.MaxSeqlen {
			batch.MaxSeqlen = len(seq)
		}
	}

	e.mu.Lock()
	logits, err := e.model.Forward(batch)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}

	vocab := e.model.Config().VocabSize
	data := logits.Data()

	results := make([]Result, len(seqs))

	// Extraction is CPU-bound and per-sequence independent.
	numWorkers := runtime.NumCPU()
	if numWorkers > 16 {
		numWorkers = 16
	}
	if numWorkers > len(seqs) {
		numWorkers = len(seqs)
	}
	var wg sync.WaitGroup
	chunkSize := (len(seqs) + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		s := w * chunkSize
		if s >= len(seqs) {
			break
		}
		eIdx := s + chunkSize
		if eIdx > len(seqs) {
			eIdx = len(seqs)
		}
		wg.Add(1)
		go func(s, eIdx int) {
			defer wg.Done()
			for i := s; i < eIdx; i++ {
				start := int(batch.CuSeqlens[i])
				results[i] = extractScores(data, vocab, start, seqs[i])
			}
		}(s, eIdx)
	}
	wg.Wait()

	e.model.Backend().PutTensor(logits)

	tokensScored.Add(float64(batch.NNZ()))
	batchesScored.Inc()
	scoreDuration.Observe(time.Since(started).Seconds())
	return results, nil
}

// extractScores reads the logprob of each next token from the flat logits.
// The row for position p predicts token p+1 of the same sequence.
func extractScores(data []float32, vocab, start int, seq []int32) Result {
	n := len(seq)
	if n < 2 {
		return Result{}
	}
	logprobs := make([]float32, n-1)
	var sum float64
	for p := 0; p < n-1; p++ {
		row := data[(start+p)*vocab : (start+p+1)*vocab]
		nll := model.NegLogProb(row, int(seq[p+1]))
		logprobs[p] = float32(-nll)
		sum += nll
	}
	return Result{Logprobs: logprobs, MeanNLL: sum / float64(n-1)}
}

func (e *Engine) validate(seqs [][]int32) error {
	vocab := e.vocab
	for i, seq := range seqs {
		if len(seq) > e.maxSeqlen {
			return fmt.Errorf("sequence %d has %d tokens, exceeding maximum %d", i, len(seq), e.maxSeqlen)
		}
		for _, id := range seq {
			if id < 0 || int(id) >= vocab {
				return fmt.Errorf("sequence %d holds token id %d outside vocabulary of size %d", i, id, vocab)
			}
		}
	}
	return nil
}

// hashAll computes cache keys in parallel, chunked across workers.
func (e *Engine) hashAll(seqs [][]int32) []string {
	keys := make([]string, len(seqs))
	if e.cache == nil {
		return keys
	}

	numWorkers := runtime.NumCPU()
	if numWorkers > 16 {
		numWorkers = 16
	}
	var wg sync.WaitGroup
	chunkSize := (len(seqs) + numWorkers - 1) / numWorkers
	if chunkSize == 0 {
		chunkSize = 1
	}
	for w := 0; w < numWorkers; w++ {
		s := w * chunkSize
		if s >= len(seqs) {
			break
		}
		eIdx := s + chunkSize
		if eIdx > len(seqs) {
			eIdx = len(seqs)
		}
		wg.Add(1)
		go func(s, eIdx int) {
			defer wg.Done()
			for i := s; i < eIdx; i++ {
				keys[i] = sequenceKey(seqs[i])
			}
		}(s, eIdx)
	}
	wg.Wait()
	return keys
}

func sequenceKey(seq []int32) string {
	h := fnv.New64a()
	var buf [4]byte
	for _, id := range seq {
		binary.LittleEndian.PutUint32(buf[:], uint32(id))
		h.Write(buf[:])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
