// Package cli implements the stache command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/stache/pkg/config"
	"github.com/nimburion/stache/pkg/health"
	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/observability/metrics"
	"github.com/nimburion/stache/pkg/observability/tracing"
	"github.com/nimburion/stache/pkg/server"
	"github.com/nimburion/stache/pkg/stache"
	"github.com/nimburion/stache/pkg/stache/registry"
	"github.com/nimburion/stache/pkg/store"
	"github.com/nimburion/stache/pkg/store/instrumented"
	"github.com/nimburion/stache/pkg/version"
)

// ErrKeyNotFound is returned by get when the key is absent.
var ErrKeyNotFound = errors.New("key not found")

// ErrUnhealthy is returned by health when a provider check fails.
var ErrUnhealthy = errors.New("one or more providers are unhealthy")

// Options configures the root command.
type Options struct {
	Name       string
	ConfigPath string
	EnvPrefix  string
}

type rootFlags struct {
	cfgPath   string
	envPrefix string
	provider  string
}

// NewCommand creates the stache CLI: store subcommands, providers, health, serve, config and version.
func NewCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "stache"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}

	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         "Key/value stores behind named providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	pf.StringVar(&flags.envPrefix, "env-prefix", opts.EnvPrefix, "prefix of configuration environment variables")
	pf.StringVarP(&flags.provider, "provider", "p", registry.Default, "provider to operate on")
	registerConfigFlags(pf)

	rootCmd.AddCommand(
		newGetCommand(flags),
		newSetCommand(flags),
		newHasCommand(flags),
		newRemoveCommand(flags),
		newClearCommand(flags),
		newKeysCommand(flags),
		newProvidersCommand(flags),
		newHealthCommand(flags),
		newServeCommand(flags),
		newConfigCommand(flags),
		newVersionCommand(opts.Name),
	)
	return rootCmd
}

// registerConfigFlags adds one flag per configuration key. Unset flags leave the key alone.
func registerConfigFlags(fs *pflag.FlagSet) {
	for _, key := range config.Keys() {
		fs.String(config.FlagName(key), "", "overrides "+key)
	}
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// LoadConfigAndLogger loads configuration with flags > env > file > defaults precedence and
// builds the zap logger it describes, writing to errOut.
func LoadConfigAndLogger(cfgPath, envPrefix string, flags *pflag.FlagSet, errOut io.Writer) (*config.Config, logger.Logger, error) {
	cfg, err := config.NewViperLoader(cfgPath, envPrefix).WithFlags(flags).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Log.Level),
		Format: logger.LogFormat(cfg.Log.Format),
		Output: errOut,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	logConfigIfDebug(log, cfg)
	return cfg, log, nil
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if !strings.EqualFold(cfg.Log.Level, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", fmt.Sprintf("%+v", cfg.Redacted()))
}

// runtime is everything a store command needs, built from configuration.
type runtime struct {
	cfg      *config.Config
	log      logger.Logger
	registry *registry.Registry
	metrics  *metrics.Registry
	tracer   *tracing.TracerProvider
}

func openRuntime(cmd *cobra.Command, flags *rootFlags) (*runtime, error) {
	cfg, log, err := LoadConfigAndLogger(flags.cfgPath, flags.envPrefix, cmd.Flags(), cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, log: log}

	var envOpts store.EnvironmentOptions
	if cfg.Metrics.Enabled {
		rt.metrics = metrics.NewRegistry()
		m := instrumented.NewMetrics()
		rt.metrics.MustRegister(m.Collectors()...)
		envOpts.Metrics = m
	}
	if cfg.Tracing.Enabled {
		tp, err := tracing.NewTracerProvider(cmd.Context(), tracing.TracerConfig{
			ServiceName:    cfg.Service.Name,
			ServiceVersion: version.Current().Version,
			Environment:    cfg.Service.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
			SampleRate:     cfg.Tracing.SampleRate,
			Enabled:        true,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		rt.tracer = tp
		envOpts.Tracing = true
	}

	env, err := store.NewEnvironment(cfg, log, envOpts)
	if err != nil {
		rt.shutdownTracer(cmd.Context())
		return nil, err
	}
	rt.registry = registry.NewDefault(env, registry.WithLogger(log))
	return rt, nil
}

// close releases the backends, reports collected metrics and flushes spans.
func (rt *runtime) close(ctx context.Context) error {
	err := rt.registry.Close()
	if rt.metrics != nil {
		samples, serr := rt.metrics.Samples("stache_")
		if serr != nil {
			rt.log.Warn("failed to gather metrics", "error", serr)
		}
		for _, s := range samples {
			rt.log.Info("metric", "series", s.String(), "value", s.Value)
		}
	}
	rt.shutdownTracer(ctx)
	return err
}

func (rt *runtime) shutdownTracer(ctx context.Context) {
	if rt.tracer == nil {
		return
	}
	if err := rt.tracer.Shutdown(ctx); err != nil {
		rt.log.Warn("failed to shutdown tracer", "error", err)
	}
}

// withStore resolves the selected provider and runs fn against it.
func withStore(flags *rootFlags, fn func(cmd *cobra.Command, s *stache.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		rt, err := openRuntime(cmd, flags)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := rt.close(cmd.Context()); cerr != nil && err == nil {
				err = cerr
			}
		}()

		s, err := rt.registry.Resolve(flags.provider)
		if err != nil {
			return err
		}
		if !s.Available() {
			rt.log.Warn("provider unavailable, operating as a no-op", "provider", flags.provider)
		}
		return fn(cmd, s, args)
	}
}

func newGetCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value stored under KEY",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(flags, func(cmd *cobra.Command, s *stache.Store, args []string) error {
			value, ok, err := s.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrKeyNotFound, args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		}),
	}
}

func newSetCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store VALUE under KEY",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(flags, func(cmd *cobra.Command, s *stache.Store, args []string) error {
			return s.Set(cmd.Context(), args[0], args[1])
		}),
	}
}

func newHasCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "has KEY",
		Short: "Print whether KEY is present",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(flags, func(cmd *cobra.Command, s *stache.Store, args []string) error {
			ok, err := s.Has(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		}),
	}
}

func newRemoveCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm KEY...",
		Aliases: []string{"remove"},
		Short:   "Remove keys",
		Args:    cobra.MinimumNArgs(1),
		RunE: withStore(flags, func(cmd *cobra.Command, s *stache.Store, args []string) error {
			for _, key := range args {
				if err := s.Remove(cmd.Context(), key); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func newClearCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every key of the provider",
		Args:  cobra.NoArgs,
		RunE: withStore(flags, func(cmd *cobra.Command, s *stache.Store, _ []string) error {
			return s.Clear(cmd.Context())
		}),
	}
}

func newKeysCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List the keys of the provider",
		Args:  cobra.NoArgs,
		RunE: withStore(flags, func(cmd *cobra.Command, s *stache.Store, _ []string) error {
			keys, err := s.Keys(cmd.Context())
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		}),
	}
}

func newProvidersCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List providers, their targets and availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := rt.close(cmd.Context()); cerr != nil && err == nil {
					err = cerr
				}
			}()

			out := cmd.OutOrStdout()
			for _, name := range rt.registry.Names() {
				target, err := rt.registry.Target(name)
				if err != nil {
					return err
				}
				s, err := rt.registry.Resolve(name)
				if err != nil {
					return err
				}
				state := "available"
				if !s.Available() {
					state = "unavailable"
				}
				if target != name {
					fmt.Fprintf(out, "%s -> %s\t%s\n", name, target, state)
				} else {
					fmt.Fprintf(out, "%s\t%s\n", name, state)
				}
			}
			return nil
		},
	}
}

func newHealthCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check connectivity to every provider backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := rt.close(cmd.Context()); cerr != nil && err == nil {
					err = cerr
				}
			}()

			checks := health.NewRegistry()
			rt.registry.RegisterHealthChecks(checks)
			result := checks.Check(cmd.Context())

			out := cmd.OutOrStdout()
			for _, c := range result.Checks {
				line := fmt.Sprintf("%s\t%s", c.Name, c.Status)
				switch {
				case c.Error != "":
					line += "\t" + c.Error
				case c.Message != "":
					line += "\t" + c.Message
				}
				fmt.Fprintln(out, line)
			}
			if result.Status == health.StatusUnhealthy {
				return ErrUnhealthy
			}
			return nil
		},
	}
}

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the providers over HTTP until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := rt.close(context.Background()); cerr != nil && err == nil {
					err = cerr
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sc := rt.cfg.Server
			srv := server.New(server.Config{
				Addr:            sc.Addr,
				ReadTimeout:     sc.ReadTimeout,
				WriteTimeout:    sc.WriteTimeout,
				IdleTimeout:     sc.IdleTimeout,
				ShutdownTimeout: sc.ShutdownTimeout,
			}, rt.apiHandler(), rt.log)
			return srv.Start(ctx)
		},
	}
}

// apiHandler exposes the runtime's providers with the configured limits.
func (rt *runtime) apiHandler() http.Handler {
	checks := health.NewRegistry()
	rt.registry.RegisterHealthChecks(checks)
	return server.NewHandler(server.HandlerOptions{
		Registry:      rt.registry,
		Health:        checks,
		Metrics:       rt.metrics,
		Logger:        rt.log,
		MaxValueBytes: rt.cfg.Server.MaxValueBytes,
		RateLimit:     rt.cfg.Server.RateLimit,
		RateBurst:     rt.cfg.Server.RateBurst,
	})
}

func newConfigCommand(flags *rootFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := LoadConfigAndLogger(flags.cfgPath, flags.envPrefix, cmd.Flags(), cmd.ErrOrStderr()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := LoadConfigAndLogger(flags.cfgPath, flags.envPrefix, cmd.Flags(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if !showSecrets {
				redacted := cfg.Redacted()
				cfg = &redacted
			}
			return writeYAML(cmd.OutOrStdout(), cfg)
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(showCmd)
	configCmd.RunE = showCmd.RunE

	return configCmd
}

func newVersionCommand(name string) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Current()
			if asYAML {
				return writeYAML(cmd.OutOrStdout(), info)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:       %s\n", name)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print as YAML")
	return cmd
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}
