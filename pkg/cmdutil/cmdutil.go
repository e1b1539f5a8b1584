// Package cmdutil implements various boilerplate for writing consistent CLI
// interfaces with Cobra.
package cmdutil

import (
	"github.com/go-logr/zerologr"
	"github.com/jzelinskie/cobrautil/v2"
	"github.com/jzelinskie/cobrautil/v2/cobraotel"
	"github.com/jzelinskie/cobrautil/v2/cobrazerolog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	log "github.com/authzed/objectdb/internal/logging"
)

// RegisterRootFlags registers the persistent logging and tracing flags read
// by DefaultPreRunE.
func RegisterRootFlags(cmd *cobra.Command) {
	cobrazerolog.New().RegisterFlags(cmd.PersistentFlags())
	cobraotel.New(cmd.Use).RegisterFlags(cmd.PersistentFlags())
}

// DefaultPreRunE syncs flags with environment variables prefixed by the
// program name and configures the global logger and tracer.
func DefaultPreRunE(programName string) cobrautil.CobraRunFunc {
	return cobrautil.CommandStack(
		cobrautil.SyncViperPreRunE(programName),
		cobrazerolog.New(
			cobrazerolog.WithTarget(func(logger zerolog.Logger) {
				log.SetGlobalLogger(logger)
			}),
		).RunE(),
		cobraotel.New(programName,
			cobraotel.WithLogger(zerologr.New(&log.Logger)),
		).RunE(),
	)
}
