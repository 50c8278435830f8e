// Package cmd defines and implements the CLI commands for the facetrace executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/facetrace/internal/app"
	"github.com/JakeFAU/facetrace/internal/config"
	"github.com/JakeFAU/facetrace/internal/content"
	"github.com/JakeFAU/facetrace/internal/logging"
	"github.com/JakeFAU/facetrace/internal/search"
)

// ctxKey is the key type for values stored in the command context.
type ctxKey string

const (
	appKey ctxKey = "app"
	cfgKey ctxKey = "config"
)

// App defines the services commands use. Tests swap in their own.
type App interface {
	Logger() *zap.Logger
	Orchestrator(ctx context.Context) (*search.Orchestrator, error)
	Corpus() *content.Corpus
	Close()
}

// newApp is the application factory, replaceable in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	instance, err := app.New(ctx, cfg, app.Options{}, logger)
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// configKeyAnnotation marks a flag with the config key it overrides.
const configKeyAnnotation = "facetrace_config_key"

// bindKey ties flag name to a config key. The flag only overrides the
// config when set explicitly.
func bindKey(flags *pflag.FlagSet, name, key string) {
	if err := flags.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("annotate flag --%s: %v", name, err))
	}
}

// newRootCmd builds the command tree. The returned func closes the App
// created for the invoked subcommand, whether or not it succeeded.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile  string
		verbose  bool
		instance App
	)
	cmd := &cobra.Command{
		Use:   "facetrace",
		Short: "Reverse face search over public image search results.",
		Long: `facetrace uploads a query face to a reverse image search provider,
collects the visually similar results, and ranks each candidate by face
embedding similarity to the query.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["skipApp"] == "true" {
				return nil
			}
			v := config.New()
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			if err := config.Read(v, cfgFile); err != nil {
				return err
			}
			cfg, err := config.Decode(v)
			if err != nil {
				return err
			}
			level := cfg.Logging.Level
			if verbose {
				level = "debug"
			}
			logger, err := logging.New(cfg.Logging.Development, level)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)

			instance, err = newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, instance)
			ctx = context.WithValue(ctx, cfgKey, cfg)
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./facetrace.yaml and $XDG_CONFIG_HOME/facetrace/)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newSearchCmd(), newCorpusCmd(), newVersionCmd())
	return cmd, func() {
		if instance != nil {
			instance.Close()
		}
	}
}

// bindFlags binds every changed flag in flags to its config key.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.Visit(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if len(keys) == 0 || bindErr != nil {
			return
		}
		if err := v.BindPFlag(keys[0], f); err != nil {
			bindErr = fmt.Errorf("bind flag --%s: %w", f.Name, err)
		}
	})
	return bindErr
}

func resolve(ctx context.Context) (App, config.Config, error) {
	instance, ok := ctx.Value(appKey).(App)
	if !ok || instance == nil {
		return nil, config.Config{}, errors.New("application services are not initialized")
	}
	cfg, _ := ctx.Value(cfgKey).(config.Config)
	return instance, cfg, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running
// command, which tears down any browser it started.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, closeApp := newRootCmd()
	err := root.ExecuteContext(ctx)
	closeApp()
	stop()
	if err != nil {
		if logger := zap.L(); logger.Core().Enabled(zap.ErrorLevel) {
			logger.Error("command failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, "facetrace:", err)
		}
		os.Exit(1)
	}
}
