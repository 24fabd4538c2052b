package cli

import (
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotamux/internal/config"
	"github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/provider"
)

// doctorCmd represents the doctor command
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose configuration and provider setup",
	Long: `Check the configuration, the encrypted store and every connected
account without contacting any provider.

This command checks:
- Configuration file and validation
- Store encryption key and readability
- OAuth profiles for each provider with OAuth accounts
- Accounts that need re-authorization or verification

Example:
  quotamux doctor`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	RootCmd.AddCommand(doctorCmd)
}

// Check statuses.
const (
	statusOK   = "OK"
	statusWarn = "WARN"
	statusFail = "FAIL"
)

// DoctorReport represents the complete diagnostic report
type DoctorReport struct {
	Timestamp       time.Time     `json:"timestamp"`
	Version         VersionInfo   `json:"version"`
	Checks          []DoctorCheck `json:"checks"`
	Recommendations []string      `json:"recommendations"`
}

// DoctorCheck represents a single diagnostic check
type DoctorCheck struct {
	Category    string `json:"category"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

func runDoctor(cmd *cobra.Command, args []string) error {
	report := DoctorReport{
		Timestamp: time.Now().UTC(),
		Version:   GetVersionInfo(),
	}

	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	found := err == nil
	var notFound *errors.ErrConfigNotFound
	if err != nil && !stderrors.As(err, &notFound) {
		report.Checks = append(report.Checks, DoctorCheck{
			Category:    "Configuration",
			Name:        "Config File",
			Status:      statusFail,
			Message:     fmt.Sprintf("Failed to load %s: %v", loader.Path(), err),
			Remediation: "Fix the YAML syntax or the reported field",
		})
		report.Recommendations = recommendations(report.Checks)
		return writeDoctorReport(cmd.OutOrStdout(), report)
	}
	if !found {
		cfg = config.Default()
	}
	report.Checks = append(report.Checks, configChecks(cfg, loader.Path(), found)...)

	a, err := newApp(cmd.Context(), cfg, true)
	if err != nil {
		report.Checks = append(report.Checks, DoctorCheck{
			Category:    "Store",
			Name:        "Open",
			Status:      statusFail,
			Message:     err.Error(),
			Remediation: "Check store.path permissions and that the passphrase or key file matches",
		})
	} else {
		defer a.Close()
		state, err := a.store.Read(cmd.Context())
		if err != nil {
			report.Checks = append(report.Checks, DoctorCheck{
				Category: "Store", Name: "Read", Status: statusFail, Message: err.Error(),
			})
		} else {
			report.Checks = append(report.Checks, storeChecks(cfg, state)...)
			report.Checks = append(report.Checks, accountChecks(state, a.registry)...)
		}
		if n, err := a.store.QuarantinedCount(cmd.Context()); err == nil && n > 0 {
			report.Checks = append(report.Checks, DoctorCheck{
				Category:    "Store",
				Name:        "Quarantine",
				Status:      statusWarn,
				Message:     fmt.Sprintf("%d unreadable documents were set aside", n),
				Remediation: "Accounts in quarantined documents must be linked again",
			})
		}
	}

	report.Recommendations = recommendations(report.Checks)
	return writeDoctorReport(cmd.OutOrStdout(), report)
}

func configChecks(cfg *config.Config, path string, found bool) []DoctorCheck {
	checks := []DoctorCheck{}

	if found {
		checks = append(checks, DoctorCheck{
			Category: "Configuration", Name: "Config File", Status: statusOK,
			Message: fmt.Sprintf("Loaded %s", path),
		})
	} else {
		checks = append(checks, DoctorCheck{
			Category:    "Configuration",
			Name:        "Config File",
			Status:      statusWarn,
			Message:     fmt.Sprintf("%s not found, using defaults", path),
			Remediation: "Create a config file to add OAuth profiles and admin keys",
		})
	}

	if len(cfg.Server.AdminKeys) == 0 && !isLoopback(cfg.Server.Host) {
		checks = append(checks, DoctorCheck{
			Category:    "Configuration",
			Name:        "Admin Keys",
			Status:      statusFail,
			Message:     fmt.Sprintf("Admin endpoints are open and the server binds %s", cfg.Server.Host),
			Remediation: "Set server.admin_keys or bind server.host to 127.0.0.1",
		})
	}

	if len(cfg.OAuth.Profiles) == 0 {
		checks = append(checks, DoctorCheck{
			Category:    "Configuration",
			Name:        "OAuth Profiles",
			Status:      statusWarn,
			Message:     "No OAuth profiles configured; only API-key accounts can be linked",
			Remediation: "Add oauth.profiles entries for the providers you use",
		})
	} else {
		checks = append(checks, DoctorCheck{
			Category: "Configuration", Name: "OAuth Profiles", Status: statusOK,
			Message: fmt.Sprintf("%d profiles configured", len(cfg.OAuth.Profiles)),
		})
	}

	if cfg.Sync.BackgroundInterval <= 0 {
		checks = append(checks, DoctorCheck{
			Category: "Configuration", Name: "Background Sync", Status: statusWarn,
			Message:     "Background sync is off; quota refreshes only on requests",
			Remediation: "Set sync.background_interval",
		})
	}
	return checks
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func storeChecks(cfg *config.Config, state *models.ConnectorState) []DoctorCheck {
	keySource := "key file " + cfg.Store.KeyFile
	if cfg.Store.Passphrase != "" {
		keySource = "passphrase"
	}
	return []DoctorCheck{{
		Category: "Store",
		Name:     "Open",
		Status:   statusOK,
		Message:  fmt.Sprintf("%s (%s), %d accounts", cfg.Store.Path, keySource, len(state.Accounts)),
	}}
}

// accountChecks reports accounts that cannot sync and providers whose OAuth
// accounts have no profile to refresh tokens with.
func accountChecks(state *models.ConnectorState, registry *provider.Registry) []DoctorCheck {
	checks := []DoctorCheck{}
	if len(state.Accounts) == 0 {
		return append(checks, DoctorCheck{
			Category:    "Accounts",
			Name:        "Connected",
			Status:      statusWarn,
			Message:     "No accounts connected",
			Remediation: "Link an account with POST /admin/oauth/start or quotamux accounts add-api",
		})
	}

	missingProfile := map[models.Provider]bool{}
	for i := range state.Accounts {
		acc := &state.Accounts[i]
		name := fmt.Sprintf("%s/%s", acc.Provider, acc.MaskedDisplayName())
		switch {
		case !acc.Enabled:
			checks = append(checks, DoctorCheck{
				Category: "Accounts", Name: name, Status: statusWarn, Message: "Disabled",
			})
		case acc.SyncIssue != nil:
			check := DoctorCheck{
				Category: "Accounts",
				Name:     name,
				Status:   statusFail,
				Message:  acc.SyncIssue.Code + ": " + acc.SyncIssue.Message,
			}
			if acc.SyncIssue.RemediationURL != "" {
				check.Remediation = "Visit " + acc.SyncIssue.RemediationURL + " then complete verification"
			} else {
				check.Remediation = "Link the account again"
			}
			checks = append(checks, check)
		default:
			checks = append(checks, DoctorCheck{
				Category: "Accounts", Name: name, Status: statusOK, Message: string(acc.QuotaSyncStatus),
			})
		}
		if acc.EffectiveAuthMethod() == models.AuthOAuth {
			if _, ok := registry.TokensFor(acc); !ok {
				missingProfile[acc.Provider] = true
			}
		}
	}

	for _, p := range models.Providers {
		if missingProfile[p] {
			checks = append(checks, DoctorCheck{
				Category:    "Accounts",
				Name:        "Token Refresh",
				Status:      statusWarn,
				Message:     fmt.Sprintf("No OAuth profile for %s; its tokens will not be refreshed", p),
				Remediation: "Add an oauth.profiles entry for " + string(p),
			})
		}
	}
	return checks
}

func recommendations(checks []DoctorCheck) []string {
	out := []string{}
	fails, warns := 0, 0
	for _, check := range checks {
		switch check.Status {
		case statusFail:
			fails++
			if check.Remediation != "" {
				out = append(out, fmt.Sprintf("[%s] %s: %s", check.Category, check.Name, check.Remediation))
			}
		case statusWarn:
			warns++
		}
	}
	switch {
	case fails == 0 && warns == 0:
		out = append(out, "Everything looks fine.")
	case fails > 0:
		out = append(out, fmt.Sprintf("Found %d problem(s) and %d warning(s).", fails, warns))
	}
	return out
}

func writeDoctorReport(out io.Writer, report DoctorReport) error {
	if globalFlags.JSON {
		return writeJSON(out, report)
	}

	fmt.Fprintln(out, "=== quotamux doctor ===")
	fmt.Fprintf(out, "Generated: %s (%s, %s/%s)\n\n", report.Timestamp.Format(time.RFC3339),
		report.Version.Version, runtime.GOOS, runtime.GOARCH)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	category := ""
	for _, check := range report.Checks {
		if check.Category != category {
			category = check.Category
			fmt.Fprintf(w, "--- %s ---\n", category)
		}
		icon := "✓"
		switch check.Status {
		case statusWarn:
			icon = "!"
		case statusFail:
			icon = "✗"
		}
		fmt.Fprintf(w, "%s %s:\t%s\n", icon, check.Name, check.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Recommendations ---")
	for _, r := range report.Recommendations {
		fmt.Fprintf(out, "- %s\n", r)
	}
	return nil
}
