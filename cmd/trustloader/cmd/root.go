package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"golang-trust-loader/cmd/trustloader/config"
	"golang-trust-loader/pkg/errors"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// EnvPrefix prefixes every environment override, e.g. TRUSTLOADER_STORE_DSN.
const EnvPrefix = "TRUSTLOADER"

// NewRootCommand builds the command tree. Each tree reads settings through
// its own viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	var cfgFile, envFile string
	root := &cobra.Command{
		Use:   "trustloader",
		Short: "Windowed transaction loader and reconciler",
		Long: `Trustloader loads payment transactions for a date window from upstream
stores and daily export files into the working store, then reconciles them
against each other with per-source match rules.

Without --start/--end the window continues after the last successful run
recorded in job history.

Examples:
  trustloader load
  trustloader load --start 2024-01-01 --end 2024-01-08 --output-format json
  trustloader load --loader Cybersource --trim=false
  trustloader history seed --start 2024-01-01 --end 2024-01-02
  trustloader loaders`,
		Version:       getVersionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cfgFile, envFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (optional)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read; missing is fine")
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: json, text")

	_ = v.BindPFlag("verbose", flags.Lookup("verbose"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

	root.AddCommand(newLoadCmd(v), newLoadersCmd(v), newHistoryCmd(v))
	return root
}

// initConfig reads the dotenv file, the environment and the config file.
func initConfig(v *viper.Viper, cfgFile, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "env-file", envFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "config", cfgFile, err).
				WithSuggestion("Check that the config file exists and is valid YAML, JSON or TOML")
		}
		if v.GetBool("verbose") {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", v.ConfigFileUsed())
		}
	}
	return nil
}

// Execute runs the CLI until it finishes or the process is interrupted and
// returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		verbose, _ := root.PersistentFlags().GetBool("verbose")
		return NewCLIErrorHandler(os.Stderr, verbose).HandleError(err)
	}
	return 0
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
