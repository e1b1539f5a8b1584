package proxy

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/datastore/slot"
)

// NewSlotCachingReader creates a reader proxy which caches the stored form of
// every slot it reads. The delegate must not change while the proxy is in
// use; fixtures loaded once and queried many times are the intended case.
func NewSlotCachingReader(delegate datastore.Reader) datastore.Reader {
	return &slotCachingReader{
		Reader: delegate,
		slots:  xsync.NewMap[datastore.ID, []byte](),
	}
}

type slotCachingReader struct {
	datastore.Reader
	slots    *xsync.Map[datastore.ID, []byte]
	readSlot singleflight.Group
}

func (r *slotCachingReader) ReadSlot(ctx context.Context, id datastore.ID) (*slot.Slot, error) {
	if raw, ok := r.slots.Load(id); ok {
		return slot.Open(raw), nil
	}

	loaded, err, _ := r.readSlot.Do(id.String(), func() (any, error) {
		s, err := r.Reader.ReadSlot(ctx, id)
		if err != nil {
			return nil, err
		}
		r.slots.Store(id, s.Raw())
		return s.Raw(), nil
	})
	if err != nil {
		return nil, err
	}
	// Each caller gets its own slot since slots cache decoded fields.
	return slot.Open(loaded.([]byte)), nil
}

var _ datastore.Reader = (*slotCachingReader)(nil)
