package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/trafflux/petdb"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Read and edit species models",
}

var modelGetCmd = &cobra.Command{
	Use:   "get [species]",
	Short: "Print the latest model of a species",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runModelGet,
}

var modelSetCmd = &cobra.Command{
	Use:   "set <model>",
	Short: "Merge field descriptors into the current model of a species",
	Long: `Merge field descriptors into the current model and store it as a new version.

The species is read from species.val, e.g.
  petctl model set '{"species": {"val": "cat"}, "petName": {"label": "Cat name"}}'`,
	Args: cobra.ExactArgs(1),
	RunE: runModelSet,
}

var speciesCmd = &cobra.Command{
	Use:   "species",
	Short: "List the known species",
	Args:  cobra.NoArgs,
	RunE:  runSpecies,
}

var schemaCmd = &cobra.Command{
	Use:   "schema <species>",
	Short: "Print the field schema of a species",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchema,
}

func init() {
	modelCmd.AddCommand(modelGetCmd)
	modelCmd.AddCommand(modelSetCmd)

	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(speciesCmd)
	rootCmd.AddCommand(schemaCmd)
}

func runModelGet(cmd *cobra.Command, args []string) error {
	fields := petdb.Fields{}
	if len(args) > 0 {
		fields["species"] = petdb.M{"val": args[0]}
	}

	return withDB(cmd, func(ctx context.Context, db *petdb.DB) (interface{}, error) {
		return db.FindModel(ctx, fields, opOptions())
	})
}

func runModelSet(cmd *cobra.Command, args []string) error {
	fields, err := parseFields(args[0])
	if err != nil {
		return err
	}

	return withDB(cmd, func(ctx context.Context, db *petdb.DB) (interface{}, error) {
		return db.SaveModel(ctx, fields, opOptions())
	})
}

func runSpecies(cmd *cobra.Command, args []string) error {
	db, closer, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer closer()

	return printJSON(cmd.OutOrStdout(), db.Species())
}

func runSchema(cmd *cobra.Command, args []string) error {
	db, closer, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer closer()

	if !db.Known(args[0]) {
		return errors.Errorf("unknown species %q, expected one of %v", args[0], db.Species())
	}

	sch := db.Schema(args[0])
	out := cmd.OutOrStdout()
	for _, name := range sch.Names() {
		f := sch[name]
		if f.Default != nil {
			fmt.Fprintf(out, "%-14s %-9s default=%v\n", name, f.Kind, f.Default)
			continue
		}
		fmt.Fprintf(out, "%-14s %s\n", name, f.Kind)
	}

	return nil
}
