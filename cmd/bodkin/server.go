package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/scoring"
)

var (
	sequencesScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_sequences_scored_total",
		Help: "The total number of sequences scored",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_request_duration_seconds",
		Help:    "Time spent processing score requests",
		Buckets: prometheus.DefBuckets,
	})
)

type ScorerInterface interface {
	ScoreBatch(seqs [][]int32) ([]scoring.Result, error)
	ScoreStream(seqs [][]int32) <-chan scoring.StreamResult
}

type ForwarderInterface interface {
	PublishScores(ctx context.Context, datasetName string, seqs [][]int32, results []scoring.Result) error
	Close() error
}

type Server struct {
	engine       ScorerInterface
	forwarder    ForwarderInterface
	datasetName  string
	alloc        memory.Allocator
	sem          *semaphore.Weighted
	transportFmt string
}

func NewServer(engine ScorerInterface, fwd ForwarderInterface, dataset string, maxConcurrent int, transportFmt string) *Server {
	return &Server{
		engine:       engine,
		forwarder:    fwd,
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		transportFmt: transportFmt,
	}
}

func startServer(addr string, engine ScorerInterface, fwd ForwarderInterface, dataset string, maxConcurrent int, transportFmt string) {
	srv := NewServer(engine, fwd, dataset, maxConcurrent, transportFmt)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/score", srv.handleScore)
	http.HandleFunc("/score/arrow", srv.handleScoreArrow)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting Bodkin Server")
	if fwd != nil {
		log.Info().Str("dataset", dataset).Msg("Forwarding scores to Longbow")
	}

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("bodkin-server")

// scoreResponse is the CBOR reply for /score. Exactly one of Logprobs and
// Logprobs16 is populated, per the transport format.
type scoreResponse struct {
	MeanNLL    []float64   `cbor:"mean_nll"`
	Logprobs   [][]float32 `cbor:"logprobs,omitempty"`
	Logprobs16 [][]uint16  `cbor:"logprobs_fp16,omitempty"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleScore")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var seqs [][]int32
	decoder := cbor.NewDecoder(r.Body)
	if err := decoder.Decode(&seqs); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	if len(seqs) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	span.SetAttributes(
		attribute.Int("sequence_count", len(seqs)),
	)

	// Admission Control
	weight := int64(len(seqs))
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	results, err := s.scoreAndForward(ctx, seqs)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Scoring failed: %v", err), http.StatusBadRequest)
		return
	}
	sequencesScored.Add(float64(len(seqs)))

	resp := scoreResponse{MeanNLL: make([]float64, len(results))}
	for i, res := range results {
		resp.MeanNLL[i] = res.MeanNLL
	}
	if s.transportFmt == "fp16" {
		resp.Logprobs16 = make([][]uint16, len(results))
		for i, res := range results {
			half := make([]uint16, len(res.Logprobs))
			for j, lp := range res.Logprobs {
				half[j] = device.Float32ToFloat16(lp)
			}
			resp.Logprobs16[i] = half
		}
	} else {
		resp.Logprobs = make([][]float32, len(results))
		for i, res := range results {
			resp.Logprobs[i] = res.Logprobs
		}
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// scoreAndForward streams internal batches so forwarding overlaps with the
// next batch's forward pass, mirroring the double-buffered extraction in the
// scoring engine.
func (s *Server) scoreAndForward(ctx context.Context, seqs [][]int32) ([]scoring.Result, error) {
	if s.forwarder == nil {
		return s.engine.ScoreBatch(seqs)
	}

	results := make([]scoring.Result, len(seqs))
	for chunk := range s.engine.ScoreStream(seqs) {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		copy(results[chunk.Offset:], chunk.Results)

		chunkSeqs := seqs[chunk.Offset : chunk.Offset+len(chunk.Results)]
		if err := s.forwarder.PublishScores(ctx, s.datasetName, chunkSeqs, chunk.Results); err != nil {
			log.Error().Err(err).Msg("Error forwarding chunk to Longbow")
			// Forwarding is best-effort; the caller still gets scores.
		}
	}
	return results, nil
}

func (s *Server) handleScoreArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleScoreArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	builder := client.NewRecordBatchBuilder(s.alloc)
	var writer *ipc.Writer
	totalProcessed := 0

	for reader.Next() {
		rec := reader.Record()
		seqs, err := tokenIDsFromRecord(rec)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping malformed record batch")
			continue
		}
		if len(seqs) == 0 {
			continue
		}

		weight := int64(len(seqs))
		if err := s.sem.Acquire(ctx, weight); err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore for arrow batch")
			break
		}
		results, err := s.scoreAndForward(ctx, seqs)
		s.sem.Release(weight)
		if err != nil {
			http.Error(w, fmt.Sprintf("Scoring failed: %v", err), http.StatusBadRequest)
			return
		}
		sequencesScored.Add(float64(len(seqs)))
		totalProcessed += len(seqs)

		out, err := builder.BuildRecordBatch(seqs, results)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to build result batch: %v", err), http.StatusInternalServerError)
			return
		}
		if writer == nil {
			w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
			writer = ipc.NewWriter(w, ipc.WithSchema(client.ScoreSchema))
		}
		writeErr := writer.Write(out)
		out.Release()
		if writeErr != nil {
			log.Error().Err(writeErr).Msg("Failed to write result batch")
			return
		}
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		if writer == nil {
			http.Error(w, "Stream error", http.StatusInternalServerError)
		}
		return
	}

	if writer != nil {
		if err := writer.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close IPC writer")
		}
	} else {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Processed %d sequences", totalProcessed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// tokenIDsFromRecord extracts the token_ids list<int32> column. The column
// is located by name, falling back to column 0.
func tokenIDsFromRecord(rec arrow.Record) ([][]int32, error) {
	if rec.NumCols() == 0 {
		return nil, nil
	}

	col := rec.Column(0)
	if indices := rec.Schema().FieldIndices("token_ids"); len(indices) > 0 {
		col = rec.Column(indices[0])
	}

	listArr, ok := col.(*array.List)
	if !ok {
		return nil, fmt.Errorf("token_ids column is %s, expected list<int32>", col.DataType())
	}
	values, ok := listArr.ListValues().(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("token_ids values are %s, expected int32", listArr.ListValues().DataType())
	}

	offsets := listArr.Offsets()
	seqs := make([][]int32, listArr.Len())
	for i := 0; i < listArr.Len(); i++ {
		seq := make([]int32, 0, offsets[i+1]-offsets[i])
		for j := offsets[i]; j < offsets[i+1]; j++ {
			seq = append(seq, values.Value(int(j)))
		}
		seqs[i] = seq
	}
	return seqs, nil
}
