package main

import (
	"github.com/spf13/cobra"

	"github.com/authzed/objectdb/pkg/cmdutil"
)

func newRootCmd(programName string) *cobra.Command {
	return &cobra.Command{
		Use:               programName,
		Short:             "An embedded object database query engine",
		Long:              "Loads objects from fixture files and evaluates queries over them",
		PersistentPreRunE: cmdutil.DefaultPreRunE(programName),
		SilenceErrors:     true,
		SilenceUsage:      true,
	}
}
