package proxy

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/datastore/slot"
)

// ReaderCounts holds the number of calls made to each read method.
type ReaderCounts struct {
	extent     *xsync.Counter
	indexRange *xsync.Counter
	readSlot   *xsync.Counter
	activate   *xsync.Counter
}

func (c *ReaderCounts) Extent() int64     { return c.extent.Value() }
func (c *ReaderCounts) IndexRange() int64 { return c.indexRange.Value() }
func (c *ReaderCounts) ReadSlot() int64   { return c.readSlot.Value() }
func (c *ReaderCounts) Activate() int64   { return c.activate.Value() }

// NewCountingReader creates a reader proxy which counts the calls made to
// the delegate.
func NewCountingReader(delegate datastore.Reader) (datastore.Reader, *ReaderCounts) {
	counts := &ReaderCounts{
		extent:     xsync.NewCounter(),
		indexRange: xsync.NewCounter(),
		readSlot:   xsync.NewCounter(),
		activate:   xsync.NewCounter(),
	}
	return &countingReader{delegate: delegate, counts: counts}, counts
}

type countingReader struct {
	delegate datastore.Reader
	counts   *ReaderCounts
}

func (r *countingReader) Extent(ctx context.Context, class string) (datastore.IDIterator, error) {
	r.counts.extent.Inc()
	return r.delegate.Extent(ctx, class)
}

func (r *countingReader) HasIndex(class, field string) bool {
	return r.delegate.HasIndex(class, field)
}

func (r *countingReader) IndexRange(ctx context.Context, class, field string, partitions datastore.Partition, value any) (datastore.IDIterator, error) {
	r.counts.indexRange.Inc()
	return r.delegate.IndexRange(ctx, class, field, partitions, value)
}

func (r *countingReader) ReadSlot(ctx context.Context, id datastore.ID) (*slot.Slot, error) {
	r.counts.readSlot.Inc()
	return r.delegate.ReadSlot(ctx, id)
}

func (r *countingReader) Activate(ctx context.Context, id datastore.ID) (*datastore.Object, error) {
	r.counts.activate.Inc()
	return r.delegate.Activate(ctx, id)
}

var _ datastore.Reader = (*countingReader)(nil)
