package client

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/scoring"
)

// FlightClient forwards scored batches to a Longbow server via Apache
// Flight. A circuit breaker drops batches instead of blocking the scoring
// path when the server is unreachable.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
	builder *RecordBatchBuilder
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string, breaker *CircuitBreaker) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: breaker,
		builder: NewRecordBatchBuilder(memory.DefaultAllocator),
	}, nil
}

// DoPut sends a RecordBatch to the given dataset on the Longbow server.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.Record) error {
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	}

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	// DoPut opens with the descriptor, carried on the writer's first message.
	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(desc)

	if err := writer.Write(record); err != nil {
		return err
	}

	return writer.Close()
}

// PublishScores builds a score record batch and forwards it, subject to the
// circuit breaker. A skipped batch (open circuit) is logged and dropped, not
// an error: scoring results were already returned to the caller.
func (c *FlightClient) PublishScores(ctx context.Context, datasetName string, seqs [][]int32, results []scoring.Result) error {
	if c.breaker != nil && !c.breaker.Allow() {
		log.Warn().Str("dataset", datasetName).Msg("circuit open, dropping score batch")
		return nil
	}

	record, err := c.builder.BuildRecordBatch(seqs, results)
	if err != nil {
		return fmt.Errorf("failed to build record batch: %w", err)
	}
	if record == nil {
		return nil
	}
	defer record.Release()

	if err := c.DoPut(ctx, datasetName, record); err != nil {
		if c.breaker != nil {
			c.breaker.Failure()
		}
		return fmt.Errorf("failed to forward scores: %w", err)
	}
	if c.breaker != nil {
		c.breaker.Success()
	}
	return nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
