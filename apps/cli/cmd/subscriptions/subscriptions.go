package subscriptions

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/palmyra-entitlements/apps/cli/cmd/cmdutil"
	subscriptionsrepo "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/repo"
	subscriptionsservice "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/persistence"
)

// Command groups subscription inspection helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Inspect tenant subscriptions",
	}

	cmd.AddCommand(showCommand())
	return cmd
}

// subscriptionView is the printable form of a stored subscription.
type subscriptionView struct {
	TenantID          string     `json:"tenantId" yaml:"tenantId"`
	Tier              string     `json:"tier" yaml:"tier"`
	Status            string     `json:"status" yaml:"status"`
	EffectiveStatus   string     `json:"effectiveStatus" yaml:"effectiveStatus"`
	Quantity          int        `json:"quantity" yaml:"quantity"`
	TrialEndsAt       *time.Time `json:"trialEndsAt,omitempty" yaml:"trialEndsAt,omitempty"`
	GracePeriodEndsAt *time.Time `json:"gracePeriodEndsAt,omitempty" yaml:"gracePeriodEndsAt,omitempty"`
	ExternalRef       string     `json:"externalRef" yaml:"externalRef"`
	Version           int64      `json:"version" yaml:"version"`
	LastEventID       string     `json:"lastEventId,omitempty" yaml:"lastEventId,omitempty"`
	CatalogVersion    string     `json:"catalogVersion,omitempty" yaml:"catalogVersion,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt" yaml:"updatedAt"`
}

func showCommand() *cobra.Command {
	var (
		db     cmdutil.DatabaseFlags
		output string
	)

	c := &cobra.Command{
		Use:   "show <tenant-id>",
		Short: "Show a tenant subscription and its effective status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			pool, err := db.Open(ctx)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			store, err := persistence.NewSubscriptionStore(pool)
			if err != nil {
				return fmt.Errorf("init subscription store: %w", err)
			}
			svc := subscriptionsservice.New(subscriptionsrepo.NewPostgresRepository(store), subscriptionsservice.Config{})

			view, err := svc.Effective(ctx, args[0])
			if errors.Is(err, subscriptionsservice.ErrNotFound) {
				return fmt.Errorf("tenant %s has no subscription record (evaluated as free)", args[0])
			}
			if err != nil {
				return err
			}

			return cmdutil.Print(cmd.OutOrStdout(), output, subscriptionView{
				TenantID:          view.TenantID,
				Tier:              string(view.Tier),
				Status:            string(view.Status),
				EffectiveStatus:   string(view.EffectiveStatus),
				Quantity:          view.Quantity,
				TrialEndsAt:       view.TrialEndsAt,
				GracePeriodEndsAt: view.GracePeriodEndsAt,
				ExternalRef:       view.ExternalRef,
				Version:           view.Version,
				LastEventID:       view.LastEventID,
				CatalogVersion:    view.CatalogVersion,
				UpdatedAt:         view.UpdatedAt,
			})
		},
	}

	db.Bind(c)
	c.Flags().StringVarP(&output, "output", "o", "yaml", "yaml or json")
	return c
}
