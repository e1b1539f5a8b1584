package main

import (
	"os"

	log "github.com/authzed/objectdb/internal/logging"
	"github.com/authzed/objectdb/pkg/cmdutil"
)

func main() {
	rootCmd := newRootCmd("objectdb")
	cmdutil.RegisterRootFlags(rootCmd)
	registerRunCmd(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("terminated with errors")
		os.Exit(1)
	}
}
