package query

//go:generate go run github.com/ecordell/optgen -output zz_generated.options.go . Config

// Config tunes how queries execute. None of the settings change which ids a
// query returns.
type Config struct {
	// IndexSeeding seeds candidate sets from field indexes when a value
	// constraint on an indexed field allows it.
	IndexSeeding bool `debugmap:"visible" default:"true"`

	// ClassOnlyShortcut answers a query made of a single class constraint
	// directly from the class extent.
	ClassOnlyShortcut bool `debugmap:"visible" default:"true"`

	// OptimizeJoins evaluates AND-only constraint graphs without recording
	// pending join results.
	OptimizeJoins bool `debugmap:"visible" default:"true"`
}
