package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/internal/pipeline"
	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-cdc/pkg/json"
	"github.com/ajitpratap0/nebula-cdc/pkg/logger"

	// Register source and target capabilities
	_ "github.com/ajitpratap0/nebula-cdc/pkg/connector/destinations/gcs"
	_ "github.com/ajitpratap0/nebula-cdc/pkg/connector/destinations/postgresql"
	_ "github.com/ajitpratap0/nebula-cdc/pkg/connector/destinations/s3"
	_ "github.com/ajitpratap0/nebula-cdc/pkg/connector/destinations/snowflake"
	_ "github.com/ajitpratap0/nebula-cdc/pkg/connector/sources/mongodb"
	_ "github.com/ajitpratap0/nebula-cdc/pkg/connector/sources/mysql"
	_ "github.com/ajitpratap0/nebula-cdc/pkg/connector/sources/postgresql"
)

var version = "0.1.0"

// envPrefix namespaces environment overrides, e.g. NEBULA_CDC_CONNECT_URL
const envPrefix = "NEBULA_CDC"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "nebula-cdc",
		Short: "Nebula CDC - pipeline orchestration for full load and change data capture",
		Long: `Nebula CDC drives replication pipelines through their lifecycle: an optional
bulk copy of existing rows, followed by log-based streaming through Kafka Connect
source and sink connectors.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "Path to the engine configuration YAML file")
	root.PersistentFlags().String("definitions", "", "Path to a YAML file of connections and pipelines used to seed the store")
	root.PersistentFlags().String("connect-url", "", "Kafka Connect REST endpoint")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Duration("timeout", 30*time.Minute, "Upper bound for a single command")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("store.definitions_file", root.PersistentFlags().Lookup("definitions"))
	_ = v.BindPFlag("connect.url", root.PersistentFlags().Lookup("connect-url"))
	_ = v.BindPFlag("logging.level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Nebula CDC v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered source and target families",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Sources:")
			for _, f := range registry.GetRegistry().ListSources() {
				fmt.Printf("  - %s\n", f)
			}
			fmt.Println("\nTargets:")
			for _, f := range registry.GetRegistry().ListTargets() {
				fmt.Printf("  - %s\n", f)
			}
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the engine configuration and the definitions file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.Store.DefinitionsFile != "" {
				defs, err := config.LoadDefinitions(cfg.Store.DefinitionsFile)
				if err != nil {
					return err
				}
				fmt.Printf("%d connections, %d pipelines\n", len(defs.Connections), len(defs.Pipelines))
			}
			fmt.Println("configuration is valid")
			return nil
		},
	})

	root.AddCommand(
		pipelineCommand(v, pipeline.OpStart, "Run the full load if needed and bring the connectors up",
			func(ctx context.Context, o *pipeline.Orchestrator, id string) (*pipeline.Result, error) {
				return o.Start(ctx, id)
			}),
		pipelineCommand(v, pipeline.OpStop, "Stop both connectors and mark the pipeline stopped",
			func(ctx context.Context, o *pipeline.Orchestrator, id string) (*pipeline.Result, error) {
				return o.Stop(ctx, id)
			}),
		pipelineCommand(v, pipeline.OpPause, "Pause both connectors, keeping their offsets",
			func(ctx context.Context, o *pipeline.Orchestrator, id string) (*pipeline.Result, error) {
				return o.Pause(ctx, id)
			}),
		pipelineCommand(v, pipeline.OpStatus, "Report live connector state and correct the stored record",
			func(ctx context.Context, o *pipeline.Orchestrator, id string) (*pipeline.Result, error) {
				return o.Status(ctx, id)
			}),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type operation func(ctx context.Context, o *pipeline.Orchestrator, pipelineID string) (*pipeline.Result, error)

// pipelineCommand builds a command that wires the engine, runs one operation
// and prints its result document
func pipelineCommand(v *viper.Viper, name, short string, op operation) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <pipeline-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, v.GetDuration("timeout"))
			defer cancel()
			ctx = logger.WithRequestID(logger.WithPipeline(ctx, args[0]), uuid.NewString())
			log := logger.WithContext(ctx, logger.ForComponent("nebula-cdc-cli")).With(
				zap.String("operation", name),
			)

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			res, opErr := op(ctx, a.orch, args[0])
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					log.Warn("failed to print result", zap.Error(err))
				}
			}
			if opErr != nil {
				log.Error("operation failed", zap.Error(opErr))
			}
			return opErr
		},
	}
}

// loadConfig reads the optional YAML file and applies flag and environment overrides
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.NewConfig()
	if path := v.GetString("config"); path != "" {
		if err := config.Load(path, cfg); err != nil {
			return nil, err
		}
	}
	applyOverrides(v, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(v *viper.Viper, cfg *config.Config) {
	if v.IsSet("connect.url") {
		cfg.Connect.URL = v.GetString("connect.url")
	}
	if v.IsSet("kafka.brokers") {
		cfg.Kafka.Brokers = v.GetStringSlice("kafka.brokers")
	}
	if v.IsSet("store.driver") {
		cfg.Store.Driver = v.GetString("store.driver")
	}
	if v.IsSet("store.dsn") {
		cfg.Store.DSN = v.GetString("store.dsn")
	}
	if v.IsSet("store.definitions_file") {
		cfg.Store.DefinitionsFile = v.GetString("store.definitions_file")
	}
	if v.IsSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("observability.enable_metrics") {
		cfg.Observability.EnableMetrics = v.GetBool("observability.enable_metrics")
	}
	if v.IsSet("observability.metrics_addr") {
		cfg.Observability.MetricsAddr = v.GetString("observability.metrics_addr")
	}
	if v.IsSet("observability.enable_tracing") {
		cfg.Observability.EnableTracing = v.GetBool("observability.enable_tracing")
	}
}
