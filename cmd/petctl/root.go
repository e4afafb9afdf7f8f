package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/trafflux/petdb"
	"github.com/trafflux/petdb/internal/logging"
	"github.com/trafflux/petdb/options"
)

var (
	configPath  string
	driverFlag  string
	sqlitePath  string
	development bool
	logLevel    string
	debugLevel  int
)

var rootCmd = &cobra.Command{
	Use:   "petctl",
	Short: "Query and edit pet records and species models",
	Long: `petctl runs petdb operations against the store named in the config file.

Records and models are read from and printed as JSON.

Examples:
  petctl species
  petctl find '{"species": "dog", "petName": "Rex", "matchStartFor": ["petName"]}' --all
  petctl save '{"species": "cat", "petName": "Tom", "age": 3}'
  petctl model get cat`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "petdb.yaml", "Config file (json, yaml or toml)")
	flags.StringVar(&driverFlag, "driver", "", "Store driver: memory, sqlite or mongo")
	flags.StringVar(&sqlitePath, "sqlite", "", "SQLite database path")
	flags.BoolVar(&development, "dev", false, "Use the development collections")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.IntVarP(&debugLevel, "debug", "d", 0, "Per-operation debug level, 0 to 4")
}

// openDB loads the config file, applies the command line overrides and opens the database.
func openDB(cmd *cobra.Command) (*petdb.DB, petdb.Closer, error) {
	cfg, err := petdb.LoadConfig(configPath)
	if err != nil {
		return nil, petdb.NullCloser, err
	}

	cfg, err = cfg.Merge(petdb.Config{
		Driver:      petdb.Driver(driverFlag),
		SQLitePath:  sqlitePath,
		Development: development,
		LogLevel:    logLevel,
	})
	if err != nil {
		return nil, petdb.NullCloser, err
	}

	return petdb.Open(cfg, petdb.WithLogger(logging.New(cmd.ErrOrStderr(), cfg.LogLevel)))
}

func opOptions() *options.OpOptions {
	return options.Op().SetDebug(options.DebugLevel(debugLevel))
}

func parseRecord(arg string) (petdb.M, error) {
	rec := petdb.M{}
	if arg == "" {
		return rec, nil
	}
	if err := json.Unmarshal([]byte(arg), &rec); err != nil {
		return nil, errors.Wrap(err, "record must be a JSON object")
	}
	return rec, nil
}

func parseFields(arg string) (petdb.Fields, error) {
	fields := petdb.Fields{}
	if arg == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(arg), &fields); err != nil {
		return nil, errors.Wrap(err, "model must be a JSON object of field descriptors")
	}
	return fields, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func withDB(cmd *cobra.Command, fn func(ctx context.Context, db *petdb.DB) (interface{}, error)) error {
	db, closer, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer(); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "could not close database:", err)
		}
	}()

	res, err := fn(cmd.Context(), db)
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), res)
}
