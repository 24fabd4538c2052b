package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/quota"
	"github.com/quotaguard/quotamux/internal/router"
)

// routeCmd represents the route command
var routeCmd = &cobra.Command{
	Use:     "route",
	Aliases: []string{"r"},
	Short:   "Pick an account for a unit of work",
	Long: `Run the routing engine against the local store.

Without --candidates the chosen account is charged exactly as a
connector request would be. With --candidates the ranked list is
printed and nothing is charged.

Examples:
  quotamux route --units 2
  quotamux route --units 1 --model claude/opus --candidates`,
	RunE: runRoute,
}

var routeFlags struct {
	Units      int
	Model      string
	Candidates bool
}

func init() {
	routeCmd.Flags().IntVar(&routeFlags.Units, "units", 1, "Units of work to route")
	routeCmd.Flags().StringVar(&routeFlags.Model, "model", "", "Model hint such as codex/gpt-5 or claude:opus")
	routeCmd.Flags().BoolVar(&routeFlags.Candidates, "candidates", false, "List ranked candidates without charging")

	RootCmd.AddCommand(routeCmd)
}

func runRoute(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.router.ConnectorKey(ctx)
	if err != nil {
		return err
	}
	req := router.RouteRequest{ConnectorKey: key, Units: routeFlags.Units, Model: routeFlags.Model}
	out := cmd.OutOrStdout()

	if routeFlags.Candidates {
		candidates, err := a.router.RouteCandidates(ctx, req)
		if err != nil {
			return err
		}
		sanitized := make(models.AccountSlice, len(candidates))
		for i, acc := range candidates {
			sanitized[i] = acc.Sanitized()
		}
		if globalFlags.JSON {
			return writeJSON(out, sanitized)
		}
		return writeAccountTable(out, sanitized)
	}

	d, err := a.router.Route(ctx, req)
	if err != nil {
		return err
	}
	if globalFlags.JSON {
		return writeJSON(out, d)
	}
	fmt.Fprintf(out, "Selected: %s/%s (%s)\n", d.Provider, d.AccountID, d.DisplayName)
	fmt.Fprintf(out, "  Units: %d, decremented: %v, estimated: %v\n", d.Units, d.QuotaDecremented, d.Estimated)
	fmt.Fprintf(out, "  Remaining: 5h %d, weekly %d (%s)\n", d.FiveHourRemaining, d.WeeklyRemaining, d.SyncStatus)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// writeAccountTable prints one row per account in the given order.
func writeAccountTable(out io.Writer, accounts models.AccountSlice) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tNAME\tSTATUS\t5H LEFT\tWEEKLY LEFT\tSCORE\tENABLED")
	for i := range accounts {
		acc := &accounts[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%v\n",
			acc.ID,
			acc.Provider,
			acc.DisplayName,
			syncStatusLabel(acc),
			windowLabel(acc.Quota.FiveHour),
			windowLabel(acc.Quota.Weekly),
			quota.RoutingScore(acc.Quota),
			acc.Enabled,
		)
	}
	return w.Flush()
}

func windowLabel(w models.QuotaWindow) string {
	if w.Limit <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", quota.Remaining(w), w.Limit)
}

func syncStatusLabel(acc *models.ConnectedAccount) string {
	if acc.SyncIssue != nil {
		return string(acc.QuotaSyncStatus) + " (" + acc.SyncIssue.Code + ")"
	}
	return string(acc.QuotaSyncStatus)
}
