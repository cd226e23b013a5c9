package plans

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/palmyra-entitlements/apps/cli/cmd/cmdutil"
	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
)

// Command groups plan catalog helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Inspect the plan catalog",
	}

	cmd.AddCommand(listCommand())
	return cmd
}

func listCommand() *cobra.Command {
	var (
		file   string
		output string
	)

	c := &cobra.Command{
		Use:   "list",
		Short: "List plans with their limits and features",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := load(file)
			if err != nil {
				return err
			}

			if output == "table" {
				return printTable(cmd.OutOrStdout(), loaded)
			}
			return cmdutil.Print(cmd.OutOrStdout(), output, loaded.Plans())
		},
	}

	c.Flags().StringVar(&file, "file", "", "YAML catalog file (defaults to the embedded catalog)")
	c.Flags().StringVarP(&output, "output", "o", "table", "table, yaml or json")
	return c
}

func load(file string) (*catalog.Catalog, error) {
	if file == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(file)
}

func printTable(w io.Writer, c *catalog.Catalog) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "catalog version %s\n\n", c.Version())

	metrics := c.Metrics()
	header := []string{"TIER", "TRIAL"}
	for _, m := range metrics {
		header = append(header, string(m))
	}
	header = append(header, "FEATURES")
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, p := range c.Plans() {
		row := []string{string(p.Tier), trial(p)}
		for _, m := range metrics {
			row = append(row, limit(p.Limits[m]))
		}
		row = append(row, features(p))
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func trial(p catalog.Plan) string {
	if !p.OffersTrial() {
		return "-"
	}
	return fmt.Sprintf("%dd", p.TrialDays)
}

func limit(l catalog.Limit) string {
	switch {
	case l.Max == catalog.Unlimited:
		return "unlimited"
	case l.PerSeat:
		return fmt.Sprintf("%d/seat", l.Max)
	default:
		return fmt.Sprintf("%d", l.Max)
	}
}

func features(p catalog.Plan) string {
	var on []string
	for f, enabled := range p.Features {
		if enabled {
			on = append(on, string(f))
		}
	}
	if len(on) == 0 {
		return "-"
	}
	sort.Strings(on)
	return strings.Join(on, ",")
}
