package testutil

import "go.uber.org/goleak"

// GoLeakIgnores returns the goroutines left running by libraries on purpose.
func GoLeakIgnores() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreAnyFunction("github.com/hashicorp/go-memdb.watchFew"),
		goleak.IgnoreAnyFunction("go.opentelemetry.io/otel/sdk/trace.(*batchSpanProcessor).processQueue"),
	}
}
