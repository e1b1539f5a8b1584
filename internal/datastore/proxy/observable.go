package proxy

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/datastore/slot"
)

var (
	tracer = otel.Tracer("objectdb/datastore/proxy/observable")

	loadedIDCount = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "objectdb",
		Subsystem: "datastore",
		Name:      "loaded_ids_count",
		Buckets:   []float64{0, 1, 3, 10, 32, 100, 316, 1000, 3162, 10000},
		Help:      "total number of ids loaded by an extent or index range",
	}, []string{"operation"})

	readLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "objectdb",
		Subsystem: "datastore",
		Name:      "read_latency",
		Buckets:   []float64{.0005, .001, .002, .005, .01, .02, .05, .1, .2, .5},
		Help:      "response latency for a store read",
	}, []string{"operation"})
)

var (
	classKey  = attribute.Key("objectdb.class")
	fieldKey  = attribute.Key("objectdb.field")
	objectKey = attribute.Key("objectdb.object")
)

// NewObservableReader creates a reader proxy which adds tracing and metrics
// to the reader.
func NewObservableReader(r datastore.Reader) datastore.Reader {
	return &observableReader{delegate: r}
}

type observableReader struct{ delegate datastore.Reader }

func (r *observableReader) Extent(ctx context.Context, class string) (datastore.IDIterator, error) {
	ctx, closer := observe(ctx, "Extent", trace.WithAttributes(classKey.String(class)))
	it, err := r.delegate.Extent(ctx, class)
	if err != nil {
		closer()
		return nil, err
	}
	return countIDs(it, "Extent", closer), nil
}

func (r *observableReader) HasIndex(class, field string) bool {
	return r.delegate.HasIndex(class, field)
}

func (r *observableReader) IndexRange(ctx context.Context, class, field string, partitions datastore.Partition, value any) (datastore.IDIterator, error) {
	ctx, closer := observe(ctx, "IndexRange", trace.WithAttributes(
		classKey.String(class),
		fieldKey.String(field),
		attribute.Stringer("partitions", partitions),
	))
	it, err := r.delegate.IndexRange(ctx, class, field, partitions, value)
	if err != nil {
		closer()
		return nil, err
	}
	return countIDs(it, "IndexRange", closer), nil
}

func (r *observableReader) ReadSlot(ctx context.Context, id datastore.ID) (*slot.Slot, error) {
	ctx, closer := observe(ctx, "ReadSlot", trace.WithAttributes(objectKey.Int64(int64(id))))
	defer closer()
	return r.delegate.ReadSlot(ctx, id)
}

func (r *observableReader) Activate(ctx context.Context, id datastore.ID) (*datastore.Object, error) {
	ctx, closer := observe(ctx, "Activate", trace.WithAttributes(objectKey.Int64(int64(id))))
	defer closer()
	return r.delegate.Activate(ctx, id)
}

// countIDs wraps an iterator so that the number of ids it yields is recorded
// once iteration ends.
func countIDs(it datastore.IDIterator, operation string, closer func()) datastore.IDIterator {
	return func(yield func(datastore.ID, error) bool) {
		defer closer()
		count := 0
		defer func() {
			loadedIDCount.WithLabelValues(operation).Observe(float64(count))
		}()

		for id, err := range it {
			if err == nil {
				count++
			}
			if !yield(id, err) {
				return
			}
		}
	}
}

func observe(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, name, opts...)
	timer := prometheus.NewTimer(readLatency.WithLabelValues(name))
	closed := false

	return ctx, func() {
		if closed {
			return
		}

		closed = true
		timer.ObserveDuration()
		span.End()
	}
}

var _ datastore.Reader = (*observableReader)(nil)
