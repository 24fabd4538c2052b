package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotamux/internal/config"
)

// Set at build time with -ldflags "-X .../internal/cli.version=...".
var (
	version   = "0.1.0"
	buildDate = "unknown"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	EnvFile string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "quotamux",
	Short: "quotamux - quota-aware routing across connected AI accounts",
	Long: `quotamux routes each unit of work to the connected AI account with the
most quota headroom. It keeps OAuth tokens fresh, polls provider usage
endpoints, and estimates usage locally where no live data exists.

Usage:
  quotamux [command] [flags]

Available Commands:
  serve         Start the HTTP server and background sync
  route         Pick an account for a unit of work
  accounts      List and manage connected accounts
  prefs         Show or change routing preferences
  connector-key Show or rotate the connector key
  doctor        Diagnose configuration and provider setup

Flags:
  --config string   Path to configuration file (default "quotamux.yaml")
  --env-file string Environment file for ${VAR} references in the config
  --verbose         Enable verbose output
  --json            Output in JSON format

Use "quotamux [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// InitRoot initializes the root command with global flags
func InitRoot() {
	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", config.PathFromEnv(), "Path to configuration file")
	RootCmd.PersistentFlags().StringVar(&globalFlags.EnvFile, "env-file", "", "Load environment variables from this file before reading the config")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose output")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of quotamux",
	Run: func(cmd *cobra.Command, args []string) {
		info := GetVersionInfo()
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "quotamux version:", info.Version)
		fmt.Fprintln(out, "Go version:", info.GoVersion)
		fmt.Fprintln(out, "OS/Arch:", info.OS+"/"+info.Arch)
		fmt.Fprintln(out, "Build date:", info.BuildDate)
	},
}

var globalFlags GlobalFlags

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}

// VersionInfo contains version information
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	BuildDate string `json:"build_date"`
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: buildDate,
	}
}
