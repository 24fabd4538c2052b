package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotamux/internal/router"
)

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"account", "a"},
	Short:   "List and manage connected accounts",
	Long: `List connected accounts with their quota, or add, update and remove them.

OAuth accounts are linked through the server (POST /admin/oauth/start);
API-key accounts can be added here.

Examples:
  quotamux accounts list
  quotamux accounts add-api --provider openrouter --key sk-or-... --five-hour 200
  quotamux accounts disable 3f1c...`,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show every account, best first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.router.DashboardSnapshot(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if globalFlags.JSON {
			return writeJSON(out, d)
		}
		if len(d.Accounts) == 0 {
			fmt.Fprintln(out, "No accounts connected.")
			return nil
		}
		if err := writeAccountTable(out, d.Accounts); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d accounts (%d enabled): %d live, %d stale, %d unavailable\n",
			d.Totals.Accounts, d.Totals.Enabled, d.Totals.Live, d.Totals.Stale, d.Totals.Unavailable)
		if !d.Synced {
			fmt.Fprintln(out, "Sync still running; figures may be out of date.")
		}
		return nil
	},
}

var addAPIFlags router.APILink

var accountsAddAPICmd = &cobra.Command{
	Use:   "add-api",
	Short: "Register an API-key account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		acc, err := a.router.LinkAPIAccount(ctx, addAPIFlags)
		if err != nil {
			return err
		}
		if globalFlags.JSON {
			return writeJSON(cmd.OutOrStdout(), acc)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s account %s (%s)\n", acc.Provider, acc.ID, acc.DisplayName)
		return nil
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove an account",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.router.RemoveAccount(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed account %s\n", args[0])
		return nil
	},
}

var setLimitsFlags struct {
	FiveHour int
	Weekly   int
	Clear    bool
}

var accountsSetLimitsCmd = &cobra.Command{
	Use:   "set-limits <id>",
	Short: "Set or clear manual quota limits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := router.AccountSettings{ClearManualLimits: setLimitsFlags.Clear}
		if cmd.Flags().Changed("five-hour") {
			settings.FiveHourLimit = &setLimitsFlags.FiveHour
		}
		if cmd.Flags().Changed("weekly") {
			settings.WeeklyLimit = &setLimitsFlags.Weekly
		}
		return updateAccount(cmd, args[0], settings)
	},
}

func toggleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateAccount(cmd, args[0], router.AccountSettings{Enabled: &enabled})
		},
	}
}

func updateAccount(cmd *cobra.Command, id string, settings router.AccountSettings) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	acc, err := a.router.UpdateAccountSettings(ctx, id, settings)
	if err != nil {
		return err
	}
	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), acc)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated account %s (enabled=%v, manual limits=%v)\n", acc.ID, acc.Enabled, acc.ManualLimits)
	return nil
}

func init() {
	accountsAddAPICmd.Flags().StringVar(&addAPIFlags.Provider, "provider", "", "Provider (codex, gemini, claude, openrouter)")
	accountsAddAPICmd.Flags().StringVar(&addAPIFlags.APIKey, "key", "", "API key")
	accountsAddAPICmd.Flags().StringVar(&addAPIFlags.DisplayName, "name", "", "Display name (defaults to the masked key)")
	accountsAddAPICmd.Flags().IntVar(&addAPIFlags.FiveHourLimit, "five-hour", 0, "Manual five-hour limit in units")
	accountsAddAPICmd.Flags().IntVar(&addAPIFlags.WeeklyLimit, "weekly", 0, "Manual weekly limit in units")
	_ = accountsAddAPICmd.MarkFlagRequired("provider")
	_ = accountsAddAPICmd.MarkFlagRequired("key")

	accountsSetLimitsCmd.Flags().IntVar(&setLimitsFlags.FiveHour, "five-hour", 0, "Five-hour limit in units")
	accountsSetLimitsCmd.Flags().IntVar(&setLimitsFlags.Weekly, "weekly", 0, "Weekly limit in units")
	accountsSetLimitsCmd.Flags().BoolVar(&setLimitsFlags.Clear, "clear", false, "Drop manual limits and return to sync")

	accountsCmd.AddCommand(
		accountsListCmd,
		accountsAddAPICmd,
		accountsRemoveCmd,
		accountsSetLimitsCmd,
		toggleCmd("enable", "Make an account eligible for routing", true),
		toggleCmd("disable", "Exclude an account from routing", false),
	)
	RootCmd.AddCommand(accountsCmd)
}
