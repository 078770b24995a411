// Package main implements the offline-sync command-line tool for
// mirroring RPM package repositories.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/offline-sync/internal/mirror"
)

const (
	defaultConfigPath = "/etc/offline-sync/config.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "offline-sync",
	Short: "Mirror RPM package repositories",
	Long: `offline-sync maintains local mirrors of RPM (yum/dnf) package
repositories.  It reads the repository manifest (repodata/repomd.xml),
resolves the primary package index, and downloads exactly the files that
are missing or stale locally, deciding by SHA-256 checksum.`,
}

var syncCmd = &cobra.Command{
	Use:   "sync [repo-ids...]",
	Short: "Synchronize one or more repositories",
	Long: `Synchronizes one or more repositories based on the provided configuration.

Usage:
  # Synchronize all repositories in your configuration file
  offline-sync sync

  # Synchronize only specific repositories
  offline-sync sync epel9 baseos

  # Ignore checksum comparisons and re-download everything
  offline-sync sync --force

  # Report what would be downloaded without writing anything
  offline-sync sync --dry-run

If no repo IDs are specified, all repositories in the configuration file
will be synchronized.`,
	Run: runSync,
}

var checkCmd = &cobra.Command{
	Use:   "check [repo-ids...]",
	Short: "Check whether remote repositories have updates",
	Long: `Compares the local manifest revision against the remote one for each
repository and reports which mirrors are stale.  A repository that has
never been mirrored is synchronized in full.`,
	Run: runCheck,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("offline-sync %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	syncCmd.Flags().BoolP("force", "f", false, "ignore checksum and size comparisons, always download")
	syncCmd.Flags().Bool("dry-run", false, "report stale files without downloading")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	return err.Error()
}

// loadConfig decodes the TOML config, merges repo_dir ini files, and
// applies the log configuration along with CLI overrides.
func loadConfig(cmd *cobra.Command) *mirror.Config {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			os.Exit(1)
		}
		slog.Error("failed to decode config file", "error", formatError(err, verboseErrors), "path", configPath)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		slog.Error("configuration contains unknown keys", "keys", strings.Join(keys, ", "), "path", configPath)
		os.Exit(1)
	}

	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}

	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply command-line log level", "level", logLevel, "error", err)
			os.Exit(1)
		}
	}

	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply quiet log level", "error", err)
			os.Exit(1)
		}
	}

	if err := config.Check(); err != nil {
		slog.Error("invalid configuration", "error", err, "path", configPath)
		os.Exit(1)
	}

	if err := config.LoadRepoDir(); err != nil {
		slog.Error("failed to load repo files", "error", err, "dir", config.RepoDir)
		os.Exit(1)
	}

	return config
}

func runSync(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(cmd)

	quiet, _ := cmd.Flags().GetBool("quiet")
	force, _ := cmd.Flags().GetBool("force")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if err := mirror.Run(context.Background(), config, args, force, quiet, dryRun); err != nil {
		slog.Error("sync failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runCheck(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(cmd)

	stale, err := mirror.CheckAll(context.Background(), config, args)
	if err != nil {
		slog.Error("check failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if len(stale) == 0 {
		fmt.Println("all mirrors are up to date")
		return
	}
	for _, repoID := range stale {
		fmt.Printf("%s: updates available\n", repoID)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			os.Exit(1)
		}
		slog.Error("failed to decode config file", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	var validationErrors []error

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		validationErrors = append(validationErrors, errors.New("unknown keys: "+strings.Join(keys, ", ")))
	}

	if err := config.Log.Apply(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "log config"))
	}

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	if err := config.LoadRepoDir(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "repo_dir"))
	}

	for repoID, rc := range config.Repos {
		if !mirror.IsValidID(repoID) {
			validationErrors = append(validationErrors, errors.New("invalid repo ID: "+repoID))
		}
		if err := rc.Check(); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "repo \""+repoID+"\""))
		}
	}

	if len(validationErrors) > 0 {
		slog.Error("the configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the configuration file passes validation checks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
