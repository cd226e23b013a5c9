package usage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zenGate-Global/palmyra-entitlements/apps/cli/cmd/cmdutil"
	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	usagerepo "github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/repo"
	usageservice "github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/audit"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/redisconn"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/requesttrace"
)

// Command groups usage counter helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Manage tenant usage counters",
	}

	cmd.AddCommand(resetCommand())
	return cmd
}

func resetCommand() *cobra.Command {
	var (
		db          cmdutil.DatabaseFlags
		backend     string
		redisURL    string
		periodStart string
		periodEnd   string
	)

	c := &cobra.Command{
		Use:   "reset <tenant-id> <metric>",
		Short: "Zero a usage counter and open a new period",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tenantID, metric := args[0], catalog.Metric(args[1])

			plans, err := loadCatalog(os.Getenv("PLAN_CATALOG_FILE"))
			if err != nil {
				return err
			}
			if !knownMetric(plans, metric) {
				return fmt.Errorf("unknown metric %q", metric)
			}

			period, err := parsePeriod(periodStart, periodEnd)
			if err != nil {
				return err
			}

			repo, closeRepo, err := openRepository(ctx, backend, &db, redisURL)
			if err != nil {
				return err
			}
			defer closeRepo()

			logger := cmdutil.Logger()
			defer func() { _ = logger.Sync() }()

			svc := usageservice.New(repo, usageservice.Config{Logger: logger})
			counter, err := svc.Reset(ctx, tenantID, metric, period)
			if err != nil {
				return err
			}

			ctx = requesttrace.IntoContext(ctx, requesttrace.System("cli-"+uuid.NewString()))
			audit.NewLogEmitter(logger).Emit(ctx, audit.Event{
				Type:     audit.EventUsageReset,
				TenantID: tenantID,
				Subject:  string(metric),
				Reason:   "operator reset",
			})

			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s reset (version %d)\n", tenantID, metric, counter.Version)
			return nil
		},
	}

	db.Bind(c)
	c.Flags().StringVar(&backend, "backend", envOr("COUNTER_BACKEND", "postgres"), "counter backend: postgres or redis")
	c.Flags().StringVar(&redisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis URL for the redis backend")
	c.Flags().StringVar(&periodStart, "period-start", "", "RFC3339 start of the new period")
	c.Flags().StringVar(&periodEnd, "period-end", "", "RFC3339 end of the new period")
	return c
}

func openRepository(ctx context.Context, backend string, db *cmdutil.DatabaseFlags, redisURL string) (usageservice.Repository, func(), error) {
	switch backend {
	case "postgres":
		pool, err := db.Open(ctx)
		if err != nil {
			return nil, nil, err
		}
		store, err := persistence.NewUsageCounterStore(pool)
		if err != nil {
			persistence.ClosePool(pool)
			return nil, nil, fmt.Errorf("init usage counter store: %w", err)
		}
		return usagerepo.NewPostgresRepository(store), func() { persistence.ClosePool(pool) }, nil
	case "redis":
		client, err := redisconn.NewClient(ctx, redisconn.Config{URL: redisURL})
		if err != nil {
			return nil, nil, fmt.Errorf("init redis client: %w", err)
		}
		return usagerepo.NewRedisRepository(client, ""), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported backend %q (use postgres or redis)", backend)
	}
}

func parsePeriod(start, end string) (usageservice.Period, error) {
	var p usageservice.Period
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return p, fmt.Errorf("invalid --period-start: %w", err)
		}
		p.Start = &t
	}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return p, fmt.Errorf("invalid --period-end: %w", err)
		}
		p.End = &t
	}
	if p.Start != nil && p.End != nil && !p.End.After(*p.Start) {
		return p, fmt.Errorf("period end must be after period start")
	}
	return p, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

func knownMetric(c *catalog.Catalog, metric catalog.Metric) bool {
	for _, m := range c.Metrics() {
		if m == metric {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
