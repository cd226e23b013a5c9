// Package cmdutil holds flag and connection helpers shared by CLI commands.
package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/zenGate-Global/palmyra-entitlements/platform/go/logging"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/persistence"
)

// DefaultSchema matches the API's DATABASE_SCHEMA default.
const DefaultSchema = "entitlements"

// DatabaseFlags carries the connection flags used by store-backed commands.
type DatabaseFlags struct {
	URL    string
	Schema string
}

// Bind registers --database-url and --schema; both fall back to the API environment variables.
func (f *DatabaseFlags) Bind(cmd *cobra.Command) {
	loadDotEnv()

	schema := os.Getenv("DATABASE_SCHEMA")
	if schema == "" {
		schema = DefaultSchema
	}
	cmd.Flags().StringVar(&f.URL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string (defaults to $DATABASE_URL)")
	cmd.Flags().StringVar(&f.Schema, "schema", schema, "schema holding the entitlement tables")
}

// Open builds a pool scoped to the configured schema.
func (f *DatabaseFlags) Open(ctx context.Context) (*pgxpool.Pool, error) {
	if strings.TrimSpace(f.URL) == "" {
		return nil, errors.New("database url is required (flag --database-url or $DATABASE_URL)")
	}
	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: f.URL, SearchPath: f.Schema})
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}
	return pool, nil
}

// Logger returns a console logger for command output on stderr.
func Logger() *zap.Logger {
	logger, err := logging.NewLogger(logging.Config{
		Component: "entitlements-cli",
		Level:     os.Getenv("LOG_LEVEL"),
		Encoding:  "console",
		Output:    zapcore.Lock(os.Stderr),
	})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Print renders v as yaml or json.
func Print(w io.Writer, format string, v any) error {
	switch format {
	case "", "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "json":
		return printJSON(w, v)
	default:
		return fmt.Errorf("unsupported output format %q (use yaml or json)", format)
	}
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: load .env: %v\n", err)
	}
}
