package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-kvkernel/internal/device"
)

const (
	MetaDim      = "kvkernel.dim"
	MetaCapacity = "kvkernel.capacity"

	colPosition = "position"
	colKey      = "key"
	colValue    = "value"
)

// SnapshotSchema is the layout of a cache snapshot with rows of width dim.
func SnapshotSchema(dim, capacity int) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{MetaDim, MetaCapacity},
		[]string{strconv.Itoa(dim), strconv.Itoa(capacity)},
	)
	row := arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)
	return arrow.NewSchema([]arrow.Field{
		{Name: colPosition, Type: arrow.PrimitiveTypes.Int32},
		{Name: colKey, Type: row},
		{Name: colValue, Type: row},
	}, &md)
}

// Snapshot copies the populated rows of h into a record, one row per
// cached time-step in append order. The caller releases the record.
func (e *Engine) Snapshot(h Handle) (arrow.Record, error) {
	const op = "kv_snapshot"
	if err := e.dev.Require(op); err != nil {
		return nil, err
	}
	info, err := e.store.Info(h)
	if err != nil {
		return nil, err
	}
	keys, values, length, dim, err := e.store.history(op, h)
	if err != nil {
		return nil, err
	}

	b := array.NewRecordBuilder(memory.NewGoAllocator(), SnapshotSchema(dim, info.Capacity))
	defer b.Release()

	pos := b.Field(0).(*array.Int32Builder)
	kb := b.Field(1).(*array.FixedSizeListBuilder)
	vb := b.Field(2).(*array.FixedSizeListBuilder)
	kvals := kb.ValueBuilder().(*array.Float32Builder)
	vvals := vb.ValueBuilder().(*array.Float32Builder)

	pos.Reserve(length)
	kvals.Reserve(length * dim)
	vvals.Reserve(length * dim)
	for i := 0; i < length; i++ {
		pos.Append(int32(i))
		kb.Append(true)
		kvals.AppendValues(keys[i*dim:(i+1)*dim], nil)
		vb.Append(true)
		vvals.AppendValues(values[i*dim:(i+1)*dim], nil)
	}

	rec := b.NewRecord()
	e.log.Debug("KV snapshot", "handle", h.String(), "rows", length, "dim", dim)
	return rec, nil
}

func metaInt(md arrow.Metadata, key string) (int, error) {
	idx := md.FindKey(key)
	if idx < 0 {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.Atoi(md.Values()[idx])
	if err != nil {
		return 0, fmt.Errorf("bad %s: %w", key, err)
	}
	return n, nil
}

// Restore creates a new entry from a snapshot record. Positions must run
// 0..n-1; on any failure the new entry is freed.
func (e *Engine) Restore(rec arrow.Record) (Handle, error) {
	const op = "kv_restore"
	if err := e.dev.Require(op); err != nil {
		return InvalidHandle, err
	}
	invalid := func(format string, args ...interface{}) error {
		return device.Reject(op, device.NewError(op, device.KindInvalidArgument, format, args...))
	}
	if rec == nil {
		return InvalidHandle, invalid("nil record")
	}
	md := rec.Schema().Metadata()
	dim, err := metaInt(md, MetaDim)
	if err != nil {
		return InvalidHandle, invalid("%v", err)
	}
	capacity, err := metaInt(md, MetaCapacity)
	if err != nil {
		return InvalidHandle, invalid("%v", err)
	}
	if rec.NumCols() != 3 {
		return InvalidHandle, invalid("expected 3 columns, got %d", rec.NumCols())
	}
	pos, ok := rec.Column(0).(*array.Int32)
	if !ok {
		return InvalidHandle, invalid("column %s is %s", colPosition, rec.Column(0).DataType())
	}
	kcol, kok := rec.Column(1).(*array.FixedSizeList)
	vcol, vok := rec.Column(2).(*array.FixedSizeList)
	if !kok || !vok {
		return InvalidHandle, invalid("key/value columns must be fixed size lists")
	}
	kvals, kok := kcol.ListValues().(*array.Float32)
	vvals, vok := vcol.ListValues().(*array.Float32)
	if !kok || !vok {
		return InvalidHandle, invalid("key/value lists must hold float32")
	}
	rows := int(rec.NumRows())
	if rows > capacity {
		return InvalidHandle, invalid("%d rows exceed capacity %d", rows, capacity)
	}

	h, err := e.store.Create(capacity, dim)
	if err != nil {
		return InvalidHandle, err
	}
	kraw, vraw := kvals.Float32Values(), vvals.Float32Values()
	for i := 0; i < rows; i++ {
		if pos.IsNull(i) || int(pos.Value(i)) != i {
			_ = e.store.Free(h)
			return InvalidHandle, invalid("row %d has position %d", i, pos.Value(i))
		}
		ks, ke := kcol.ValueOffsets(i)
		vs, ve := vcol.ValueOffsets(i)
		if int(ke-ks) != dim || int(ve-vs) != dim {
			_ = e.store.Free(h)
			return InvalidHandle, device.Reject(op, device.NewError(op, device.KindDimMismatch,
				"row %d width %d/%d, dim %d", i, ke-ks, ve-vs, dim))
		}
		if err := e.store.Append(h, kraw[ks:ke], vraw[vs:ve], dim); err != nil {
			_ = e.store.Free(h)
			return InvalidHandle, err
		}
	}
	e.log.Debug("KV restore", "handle", h.String(), "rows", rows, "dim", dim)
	return h, nil
}

// SnapshotSink stores named snapshots, typically on a Flight server.
type SnapshotSink interface {
	PutSnapshot(ctx context.Context, name string, rec arrow.Record) error
}

type SnapshotSource interface {
	GetSnapshot(ctx context.Context, name string) (arrow.Record, error)
}

// Export snapshots h and hands it to sink under name.
func (e *Engine) Export(ctx context.Context, sink SnapshotSink, h Handle, name string) error {
	rec, err := e.Snapshot(h)
	if err != nil {
		return err
	}
	defer rec.Release()
	if err := sink.PutSnapshot(ctx, name, rec); err != nil {
		return fmt.Errorf("export %s: %w", name, err)
	}
	return nil
}

// Import restores the snapshot stored under name into a new entry.
func (e *Engine) Import(ctx context.Context, src SnapshotSource, name string) (Handle, error) {
	rec, err := src.GetSnapshot(ctx, name)
	if err != nil {
		return InvalidHandle, fmt.Errorf("import %s: %w", name, err)
	}
	defer rec.Release()
	return e.Restore(rec)
}
