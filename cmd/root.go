package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/onboard/internal/apiclient"
	"github.com/joescharf/onboard/internal/output"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui      *output.UI
	current *app

	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Onboarding client - start brand research, answer questions, follow delivery",
	Long: `onboard drives an onboarding session against the onboarding API.

It starts research for a brand, polls the session while the backend works,
collects answers to the clarifying questions, and follows content
generation runs through to their outputs. The active session survives
restarts.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeApp(cmd.Context())
	},
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		_ = closeApp(context.Background())
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if apiErr := apiclient.AsAPIError(err); apiErr != nil && apiErr.RequestID != "" && verbose {
			fmt.Fprintf(os.Stderr, "Request ID: %s\n", apiErr.RequestID)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only print results and errors")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/onboard/config.yaml)")
}

func initConfig() {
	// .env in the working directory, if any; real env vars take precedence.
	_ = godotenv.Load()

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ONBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaultConfigDir, _ := configDirFunc()
	setDefaults(defaultConfigDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers a default for every config key.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "onboard.db"))
	viper.SetDefault("api.base_url", apiclient.DefaultBaseURL)
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.token_file", filepath.Join(dir, "token"))
	viper.SetDefault("persistence.backend", backendSQLite)
	viper.SetDefault("persistence.path", filepath.Join(dir, "onboarding_session_id"))
	viper.SetDefault("redis.url", "")
	viper.SetDefault("log.level", "warn")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("telemetry.endpoint", "")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.Quiet = quiet
	if verbose {
		viper.Set("log.level", "debug")
	}

	// The client stack is built lazily so config and version commands
	// run without a database or network.
}

// rootRun handles `onboard` with no subcommand: show the active session.
func rootRun(cmd *cobra.Command) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return cmd.Help()
	}
	if _, ok := a.sessions.ActiveSessionID(cmd.Context()); !ok {
		return cmd.Help()
	}
	return statusRun(cmd.Context(), a, "", false)
}

// getApp returns the shared client stack, building it on first call.
func getApp(ctx context.Context) (*app, error) {
	if current != nil {
		return current, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, loadAppConfig())
	if err != nil {
		return nil, err
	}
	current = a
	return current, nil
}

func closeApp(ctx context.Context) error {
	if current == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := current.Close(ctx)
	current = nil
	return err
}
