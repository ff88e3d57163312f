package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
)

type BodkinFlightServer struct {
	flight.BaseFlightServer
	engine ScorerInterface
	alloc  memory.Allocator
}

func NewBodkinFlightServer(engine ScorerInterface) *BodkinFlightServer {
	return &BodkinFlightServer{
		engine: engine,
		alloc:  memory.NewGoAllocator(),
	}
}

func (s *BodkinFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return fmt.Errorf("DoExchange not implemented")
}

// DoPut accepts record batches carrying a token_ids list<int32> column,
// scores each batch, and acknowledges it with the mean NLLs as CBOR app
// metadata on the PutResult.
func (s *BodkinFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		seqs, err := tokenIDsFromRecord(rec)
		if err != nil {
			return err
		}

		results, err := s.engine.ScoreBatch(seqs)
		if err != nil {
			return err
		}
		sequencesScored.Add(float64(len(seqs)))

		meanNLL := make([]float64, len(results))
		for i, r := range results {
			meanNLL[i] = r.MeanNLL
		}
		meta, err := cbor.Marshal(meanNLL)
		if err != nil {
			return err
		}
		if err := stream.Send(&flight.PutResult{AppMetadata: meta}); err != nil {
			return err
		}
		log.Info().Int64("rows", rec.NumRows()).Msg("DoPut scored batch")
	}
	return reader.Err()
}

func StartFlightServer(addr string, engine ScorerInterface) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewBodkinFlightServer(engine))

	// Init handles the listener creation internally
	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Bodkin Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
