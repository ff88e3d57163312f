package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-bodkin/internal/cache"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/model"
	"github.com/23skdu/longbow-bodkin/internal/scoring"
)

var (
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	serverAddr    = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "bodkin_scores", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 16384, "Maximum number of concurrent sequences to process")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	transportFmt  = flag.String("transport-fmt", "fp32", "Transport format for logprobs: 'fp32' (default) or 'fp16'")
	enableCache   = flag.Bool("cache", true, "Cache scores per sequence")
	batchSize     = flag.Int("batch", 32, "Internal scoring batch size")
	demoCount     = flag.Int("demo", 0, "Score N random sequences and emit Arrow IPC to stdout")

	// Model shape. Defaults match the tiny demo configuration.
	vocabSize     = flag.Int("vocab-size", 1024, "Vocabulary size")
	hiddenSize    = flag.Int("hidden-size", 64, "Hidden dimension")
	numLayers     = flag.Int("layers", 2, "Number of decoder layers")
	numHeads      = flag.Int("heads", 4, "Number of attention heads")
	intermediate  = flag.Int("intermediate", 256, "Feed-forward intermediate dimension")
	maxPositions  = flag.Int("max-positions", 512, "Maximum sequence length")
	extendContext = flag.Int("extend-context", 0, "Widen the rotary table to this many positions")
	ropeTheta     = flag.Float64("rope-theta", 10000.0, "Rotary base frequency")
	hiddenAct     = flag.String("act", "silu", "Feed-forward activation (silu, gelu)")
	padTokenID    = flag.Int("pad-token", 0, "Pad token id (-1 for none)")
	checkpointAct = flag.Bool("checkpoint-activations", false, "Release layer activations eagerly")
)

func buildConfig() (model.Config, error) {
	act, err := device.ParseActivation(*hiddenAct)
	if err != nil {
		return model.Config{}, err
	}
	return model.Config{
		VocabSize:             *vocabSize,
		HiddenSize:            *hiddenSize,
		NumHiddenLayers:       *numLayers,
		NumAttentionHeads:     *numHeads,
		IntermediateSize:      *intermediate,
		MaxPositionEmbeddings: *maxPositions,
		ExtendContextTo:       *extendContext,
		RopeTheta:             *ropeTheta,
		RMSNormEps:            1e-6,
		HiddenAct:             act,
		PadTokenID:            *padTokenID,
		CheckpointActivations: *checkpointAct,
	}, nil
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	config, err := buildConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid model configuration")
	}

	var scores cache.ScoreCache
	if *enableCache {
		scores = cache.NewMapCache()
	}

	engine, err := scoring.NewEngine(config, device.NewCPUBackend(), scores, *batchSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scoring engine")
	}

	// Server Mode
	if *listenAddr != "" {
		var fwd ForwarderInterface
		if *serverAddr != "" {
			breaker := client.NewCircuitBreaker(5, 30*time.Second)
			fc, err := client.NewFlightClient(*serverAddr, breaker)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create flight client")
			}
			log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
			fwd = fc
		}

		go startServer(*listenAddr, engine, fwd, *datasetName, *maxConcurrent, *transportFmt)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, engine)
		return
	}

	seqs := generateSequences(*demoCount, config)

	if *duration > 0 {
		runSoak(engine, seqs, *duration)
		return
	}

	runDemo(engine, seqs)
}

// generateSequences builds random token-id sequences for demo and soak runs.
func generateSequences(n int, config model.Config) [][]int32 {
	if n <= 0 {
		n = 8
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	maxLen := config.MaxPositionEmbeddings
	if maxLen > 64 {
		maxLen = 64
	}
	seqs := make([][]int32, n)
	for i := range seqs {
		length := 2 + rng.Intn(maxLen-1)
		seq := make([]int32, length)
		for j := range seq {
			seq[j] = int32(1 + rng.Intn(config.VocabSize-1))
		}
		seqs[i] = seq
	}
	return seqs
}

func runSoak(engine *scoring.Engine, seqs [][]int32, d time.Duration) {
	log.Info().Str("duration", d.String()).Int("sequences", len(seqs)).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalSequences int64
	var iter int

	for time.Now().Before(endTime) {
		for chunk := range engine.ScoreStream(seqs) {
			if chunk.Err != nil {
				log.Error().Err(chunk.Err).Msg("Soak iteration failed")
				return
			}
		}

		totalSequences += int64(len(seqs))
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			sps := float64(totalSequences) / elapsed.Seconds()
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_sequences", totalSequences).
				Float64("sps", sps).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_sequences", totalSequences).
		Dur("total_time", totalElapsed).
		Float64("avg_sps", float64(totalSequences)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func runDemo(engine *scoring.Engine, seqs [][]int32) {
	start := time.Now()
	results, err := engine.ScoreBatch(seqs)
	if err != nil {
		log.Fatal().Err(err).Msg("Scoring failed")
	}
	elapsed := time.Since(start)

	log.Info().
		Int("count", len(seqs)).
		Dur("elapsed", elapsed).
		Float64("sps", float64(len(seqs))/elapsed.Seconds()).
		Msg("Scored sequences")

	pool := memory.NewGoAllocator()
	builder := client.NewRecordBatchBuilder(pool)
	rec, err := builder.BuildRecordBatch(seqs, results)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build record batch")
	}
	defer rec.Release()

	if *serverAddr != "" {
		log.Info().Int("count", len(seqs)).Str("server", *serverAddr).Str("dataset", *datasetName).Msg("Sending scores to Longbow")
		flightClient, err := client.NewFlightClient(*serverAddr, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Longbow")
		}
		defer func() {
			if err := flightClient.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := flightClient.DoPut(ctx, *datasetName, rec); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent scores to Longbow")
		return
	}

	// Arrow IPC to stdout
	writer := ipc.NewWriter(os.Stdout, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		log.Warn().Err(err).Msg("Failed to write arrow stream")
		return
	}
	if err := writer.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close arrow stream")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bodkin"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
