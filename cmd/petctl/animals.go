package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/trafflux/petdb"
)

var findAll bool

var findCmd = &cobra.Command{
	Use:   "find [record]",
	Short: "Find one record, or every matching record with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFind,
}

var saveCmd = &cobra.Command{
	Use:   "save <record>",
	Short: "Insert or update a record identified by petId or petName",
	Args:  cobra.ExactArgs(1),
	RunE:  runSave,
}

var removeCmd = &cobra.Command{
	Use:   "remove <record>",
	Short: "Remove matching records",
	Long: `Remove the records matching the given record.

A record without petId, petName or any schema field removes every record of its species.`,
	Args: cobra.ExactArgs(1),
	RunE: runRemove,
}

func init() {
	findCmd.Flags().BoolVarP(&findAll, "all", "a", false, "Return every matching record")

	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(removeCmd)
}

func runFind(cmd *cobra.Command, args []string) error {
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	props, err := parseRecord(arg)
	if err != nil {
		return err
	}

	return withDB(cmd, func(ctx context.Context, db *petdb.DB) (interface{}, error) {
		if findAll {
			return db.FindAnimals(ctx, props, opOptions())
		}
		return db.FindAnimal(ctx, props, opOptions())
	})
}

func runSave(cmd *cobra.Command, args []string) error {
	props, err := parseRecord(args[0])
	if err != nil {
		return err
	}

	return withDB(cmd, func(ctx context.Context, db *petdb.DB) (interface{}, error) {
		return db.SaveAnimal(ctx, props, opOptions())
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	props, err := parseRecord(args[0])
	if err != nil {
		return err
	}

	return withDB(cmd, func(ctx context.Context, db *petdb.DB) (interface{}, error) {
		return db.RemoveAnimal(ctx, props, opOptions())
	})
}
