package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jzelinskie/cobrautil/v2"
	"github.com/spf13/cobra"

	"github.com/authzed/objectdb/internal/datastore/proxy"
	log "github.com/authzed/objectdb/internal/logging"
	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/fixture"
)

var modes = []string{"eager", "snapshot", "lazy"}

func registerRunCmd(rootCmd *cobra.Command) {
	runCmd := &cobra.Command{
		Use:     "run",
		Short:   "run the queries of a fixture file",
		Example: rootCmd.Use + " run --fixture inventory.yaml --query 'small items' --mode lazy",
		Args:    cobra.NoArgs,
		RunE:    runRun,
	}

	runCmd.Flags().String("fixture", "", "path to the YAML fixture file")
	runCmd.Flags().StringSlice("query", nil, "names of the queries to run (default all)")
	runCmd.Flags().String("mode", "", "execution mode overriding the fixture's ("+strings.Join(modes, ", ")+")")
	runCmd.Flags().Bool("check", false, "fail when results differ from the fixture's expectations")
	runCmd.Flags().Bool("cache-slots", true, "cache the stored form of objects across queries")
	if err := runCmd.MarkFlagRequired("fixture"); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	mode := cobrautil.MustGetString(cmd, "mode")
	if mode != "" && !slices.Contains(modes, mode) {
		return fmt.Errorf("unknown mode `%s`, expected one of %s", mode, strings.Join(modes, ", "))
	}

	populated, err := fixture.PopulateFromFile(ctx, cobrautil.MustGetString(cmd, "fixture"))
	if err != nil {
		return err
	}

	var reader datastore.Reader = populated.Store
	if cobrautil.MustGetBool(cmd, "cache-slots") {
		reader = proxy.NewSlotCachingReader(reader)
	}
	reader = proxy.NewObservableReader(reader)

	queries := populated.File.Queries
	if names := cobrautil.MustGetStringSlice(cmd, "query"); len(names) > 0 {
		queries = queries[:0:0]
		for _, name := range names {
			q, ok := populated.Query(name)
			if !ok {
				return fmt.Errorf("fixture has no query named `%s`", name)
			}
			queries = append(queries, q)
		}
	}

	check := cobrautil.MustGetBool(cmd, "check")
	var failed []error
	for _, q := range queries {
		result, err := populated.Run(ctx, q, reader, mode)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", result.Query, result.Mode, strings.Join(result.Names, " "))

		if !check {
			continue
		}
		if err := result.Check(q); err != nil {
			log.Warn().Err(err).Str("query", q.Name).Msg("unexpected query results")
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}
