package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tetherws/tether/pkg/config"
	"github.com/tetherws/tether/pkg/logger"
	"github.com/tetherws/tether/pkg/schemasync"
)

var (
	dbPath     string
	schemaPath string
)

var schemaSyncCmd = &cobra.Command{
	Use:   "schema-sync",
	Short: "Create or alter sqlite tables to match a TOML schema",
	Run:   runSchemaSync,
}

func init() {
	schemaSyncCmd.Flags().StringVar(&dbPath, "db", "data/database.db", "sqlite database file")
	schemaSyncCmd.Flags().StringVar(&schemaPath, "schema", "schema.toml", "schema file")
	rootCmd.AddCommand(schemaSyncCmd)
}

func runSchemaSync(cmd *cobra.Command, args []string) {
	cfg, err := config.Read(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, closeLog, err := newLogger(cfg, isDebug, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := schemaSync(cmd.Context(), dbPath, schemaPath, os.Stdout, log); err != nil {
		log.Error("Schema sync failed", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func schemaSync(ctx context.Context, db, schema string, out io.Writer, log logger.Logger) error {
	s, err := schemasync.LoadSchema(schema)
	if err != nil {
		return err
	}

	conn, err := schemasync.Open(db)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	changes, err := schemasync.Sync(ctx, conn, s, log)
	if err != nil {
		return err
	}

	if len(changes) == 0 {
		_, _ = fmt.Fprintln(out, "Schema is up to date.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "TABLE\tCHANGE\tCOLUMN")
	for _, c := range changes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", c.Table, c.Kind, c.Column)
	}
	return w.Flush()
}
