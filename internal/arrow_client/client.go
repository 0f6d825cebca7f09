package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-kvkernel/internal/logger"
)

const (
	// Flight data port
	PortData = 3000

	// snapshots live under ["kv", name]
	pathPrefix = "kv"
)

// FlightClient moves KV cache snapshots to and from an Arrow Flight server.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	log     *logger.Logger
}

// NewFlightClient creates a client for host:port. It does not dial until
// Connect.
func NewFlightClient(host string, port int) (*FlightClient, error) {
	if host == "" {
		return nil, errors.New("flight host is required")
	}
	if port <= 0 {
		port = PortData
	}
	return NewFlightClientAddr(fmt.Sprintf("%s:%d", host, port))
}

func NewFlightClientAddr(addr string) (*FlightClient, error) {
	if addr == "" {
		return nil, errors.New("flight address is required")
	}
	return &FlightClient{
		addr:    addr,
		timeout: 30 * time.Second,
		log:     logger.Log.With("flight"),
	}, nil
}

func (fc *FlightClient) Addr() string {
	return fc.addr
}

// Connect establishes connection to the Flight server.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	fc.log.Debug("Flight client ready", "addr", fc.addr)
	return nil
}

// Close disconnects from the Flight server.
func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

func descriptor(name string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{pathPrefix, name},
	}
}

// PutSnapshot uploads rec under name.
func (fc *FlightClient) PutSnapshot(ctx context.Context, name string, rec arrow.Record) error {
	if fc.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	if name == "" {
		return errors.New("snapshot name is required")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(descriptor(name))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	// drain acknowledgements
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	fc.log.Debug("Snapshot uploaded", "name", name, "rows", rec.NumRows())
	return nil
}

// GetSnapshot downloads the snapshot stored under name. Multiple batches are
// concatenated into one record. The caller releases it.
func (fc *FlightClient) GetSnapshot(ctx context.Context, name string) (arrow.Record, error) {
	if fc.client == nil {
		return nil, fmt.Errorf("client not connected, call Connect() first")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to open DoGet stream: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer rdr.Release()

	var recs []arrow.Record
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	out, err := Concatenate(rdr.Schema(), recs)
	if err != nil {
		return nil, err
	}
	fc.log.Debug("Snapshot downloaded", "name", name, "rows", out.NumRows(), "batches", len(recs))
	return out, nil
}

// Concatenate merges records sharing schema into one. The inputs are not
// released; the result is owned by the caller.
func Concatenate(schema *arrow.Schema, recs []arrow.Record) (arrow.Record, error) {
	if len(recs) == 1 {
		recs[0].Retain()
		return recs[0], nil
	}
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	var rows int64
	for _, r := range recs {
		rows += r.NumRows()
	}
	for i := range cols {
		if len(recs) == 0 {
			b := array.NewBuilder(mem, schema.Field(i).Type)
			cols[i] = b.NewArray()
			b.Release()
			continue
		}
		parts := make([]arrow.Array, len(recs))
		for j, r := range recs {
			parts[j] = r.Column(i)
		}
		col, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, fmt.Errorf("failed to concatenate column %d: %w", i, err)
		}
		cols[i] = col
	}
	return array.NewRecord(schema, cols, rows), nil
}
