package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotamux/internal/models"
)

var prefsCmd = &cobra.Command{
	Use:     "prefs",
	Aliases: []string{"preferences"},
	Short:   "Show or change routing preferences",
	Long: `Without flags the current preferences are printed. Any flag given
replaces that field; the rest are kept.

Examples:
  quotamux prefs
  quotamux prefs --preferred claude --fallback codex,gemini
  quotamux prefs --priority-models claude/opus,auto
  quotamux prefs --strict=true`,
	Args: cobra.NoArgs,
	RunE: runPrefs,
}

var prefsFlags struct {
	Preferred      string
	Fallback       []string
	PriorityModels []string
	Strict         bool
}

func runPrefs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	prefs, err := a.router.GetRoutingPreferences(ctx)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("preferred") || flags.Changed("fallback") || flags.Changed("priority-models") {
		if flags.Changed("preferred") {
			prefs.PreferredProvider = prefsFlags.Preferred
		}
		if flags.Changed("fallback") {
			prefs.FallbackProviders = make([]models.Provider, 0, len(prefsFlags.Fallback))
			for _, p := range prefsFlags.Fallback {
				prefs.FallbackProviders = append(prefs.FallbackProviders, models.Provider(p))
			}
		}
		if flags.Changed("priority-models") {
			prefs.PriorityModels = prefsFlags.PriorityModels
		}
		if prefs, err = a.router.SetRoutingPreferences(ctx, prefs); err != nil {
			return err
		}
	}
	if flags.Changed("strict") {
		if err := a.router.SetStrictLiveQuota(ctx, prefsFlags.Strict); err != nil {
			return err
		}
	}

	state, err := a.store.Read(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if globalFlags.JSON {
		return writeJSON(out, map[string]any{
			"preferences":       prefs,
			"strict_live_quota": state.StrictLiveQuota,
		})
	}
	printPreferences(out, prefs, state.StrictLiveQuota)
	return nil
}

func printPreferences(out io.Writer, prefs models.RoutingPreferences, strict bool) {
	fallbacks := make([]string, len(prefs.FallbackProviders))
	for i, p := range prefs.FallbackProviders {
		fallbacks[i] = string(p)
	}
	fmt.Fprintf(out, "Preferred provider: %s\n", prefs.PreferredProvider)
	fmt.Fprintf(out, "Fallback providers: %s\n", orNone(strings.Join(fallbacks, ", ")))
	fmt.Fprintf(out, "Priority models:    %s\n", orNone(strings.Join(prefs.PriorityModels, ", ")))
	fmt.Fprintf(out, "Strict live quota:  %v\n", strict)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

var connectorKeyCmd = &cobra.Command{
	Use:   "connector-key",
	Short: "Show or rotate the connector key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rotate, _ := cmd.Flags().GetBool("rotate")
		var key string
		if rotate {
			key, err = a.router.RotateConnectorKey(ctx)
		} else {
			key, err = a.router.ConnectorKey(ctx)
		}
		if err != nil {
			return err
		}
		if globalFlags.JSON {
			return writeJSON(cmd.OutOrStdout(), map[string]string{"connector_key": key})
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	prefsCmd.Flags().StringVar(&prefsFlags.Preferred, "preferred", "", "Preferred provider or auto")
	prefsCmd.Flags().StringSliceVar(&prefsFlags.Fallback, "fallback", nil, "Fallback providers in order")
	prefsCmd.Flags().StringSliceVar(&prefsFlags.PriorityModels, "priority-models", nil, "Model hints tried in order")
	prefsCmd.Flags().BoolVar(&prefsFlags.Strict, "strict", false, "Only route to accounts with live quota data")

	connectorKeyCmd.Flags().Bool("rotate", false, "Issue a new key; the old one stops working")

	RootCmd.AddCommand(prefsCmd, connectorKeyCmd)
}
