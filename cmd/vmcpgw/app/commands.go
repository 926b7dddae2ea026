// Package app provides the entry point for the vmcpgw command-line application.
package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/vmcpgw/internal/auditlog"
	"github.com/stacklok/vmcpgw/internal/backend"
	"github.com/stacklok/vmcpgw/internal/config"
	"github.com/stacklok/vmcpgw/internal/gateway"
	"github.com/stacklok/vmcpgw/internal/gwlog"
	"github.com/stacklok/vmcpgw/internal/router"
)

var rootCmd = &cobra.Command{
	Use:               "vmcpgw",
	DisableAutoGenTag: true,
	Short:             "Aggregating MCP gateway - combine multiple MCP servers behind one endpoint",
	Long: `vmcpgw is a gateway that aggregates multiple MCP (Model Context Protocol) servers
into a single unified interface. It provides:

- Tool, resource, and prompt aggregation from multiple backend servers
- Conflict resolution for colliding tool/resource/prompt names
- Progressive-disclosure meta-tools so a connecting client sees a small,
  stable surface regardless of how many backends are aggregated
- Per-session context budgeting and response delta-encoding
- A sandboxed code-execution meta-tool for combining several backend calls
  without a round trip per step

vmcpgw speaks MCP upstream over stdio or streamable HTTP, and dials backends
over child-process, HTTP, or SSE-handshake transports.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			gwlog.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		gwlog.Initialize()
	},
}

// NewRootCmd creates a new root command for the vmcpgw CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		gwlog.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to vmcpgw configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		gwlog.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	rootCmd.SilenceUsage = true

	return rootCmd
}

// newServeCmd creates the serve command for starting the gateway.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregating MCP gateway",
		Long: `Start the gateway to aggregate and proxy multiple MCP servers.

The gateway reads the configuration file specified by --config, dials every
configured backend, and begins serving an aggregated tool/resource/prompt
surface to upstream MCP clients over the transport named by the config's
"transport" field (stdio or http), overridable with --transport.`,
		RunE: runServe,
	}

	cmd.Flags().String("host", "", "Host address to bind to (overrides config)")
	cmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	cmd.Flags().String("transport", "", `Upstream transport: "stdio" or "http" (overrides config)`)
	cmd.Flags().Bool("enable-audit", false, "Enable audit logging even if the config omits it")

	return cmd
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display version information for vmcpgw",
		Run: func(_ *cobra.Command, _ []string) {
			gwlog.Infof("vmcpgw version: %s", getVersion())
		},
	}
}

// newValidateCmd creates the validate command for checking configuration.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the gateway configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity, including ${VAR} environment substitution
- Required fields presence (name, backend ids, transport shape)
- Aggregation conflict-resolution configuration validity
- Session and audit configuration validity`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			gwlog.Infof("Validating configuration: %s", configPath)

			cfg, err := config.NewYAMLLoader(configPath).Load()
			if err != nil {
				gwlog.Errorf("Failed to load configuration: %v", err)
				return fmt.Errorf("configuration loading failed: %w", err)
			}

			if err := config.NewValidator().Validate(cfg); err != nil {
				gwlog.Errorf("Configuration validation failed: %v", err)
				return fmt.Errorf("validation failed: %w", err)
			}

			gwlog.Infof("Configuration is valid")
			gwlog.Infof("  Name: %s", cfg.Name)
			gwlog.Infof("  Transport: %s", cfg.EffectiveTransport())
			gwlog.Infof("  Backends: %d configured", len(cfg.Backends))
			if cfg.Aggregation != nil {
				gwlog.Infof("  Conflict Resolution: %s", cfg.Aggregation.ConflictResolution)
			}
			gwlog.Infof("  Meta Tools: %v  Delta Responses: %v  Code Execution: %v",
				cfg.EnableMetaTools(), cfg.EnableDeltaResponses(), cfg.EnableCodeExecution())

			return nil
		},
	}
}

// getVersion returns the version string, the fixed value "dev".
func getVersion() string {
	return "dev"
}

// loadAndValidateConfig loads and validates the gateway configuration file.
func loadAndValidateConfig(configPath string) (*config.Config, error) {
	gwlog.Infof("Loading configuration from: %s", configPath)

	cfg, err := config.NewYAMLLoader(configPath).Load()
	if err != nil {
		gwlog.Errorf("Failed to load configuration: %v", err)
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		gwlog.Errorf("Configuration validation failed: %v", err)
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	gwlog.Infof("Configuration loaded and validated successfully")
	gwlog.Infof("  Name: %s", cfg.Name)
	gwlog.Infof("  Backends: %d configured", len(cfg.Backends))

	return cfg, nil
}

// buildSupervisor creates the router resolver and backend supervisor from
// the loaded config, and registers every configured backend with it. Backend
// dial failures are logged but not fatal: the supervisor's own reconnect
// loop (internal/backend) takes over from there.
func buildSupervisor(ctx context.Context, cfg *config.Config) (*backend.Supervisor, error) {
	var priorityOrder []string
	conflictResolution := ""
	if cfg.Aggregation != nil {
		conflictResolution = cfg.Aggregation.ConflictResolution
		priorityOrder = cfg.Aggregation.PriorityOrder
	}

	resolver, err := router.NewResolver(conflictResolution, priorityOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to create conflict resolver: %w", err)
	}

	sv := backend.NewSupervisor(nil, resolver)

	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		domainCfg, err := b.ToDomainBackend()
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", b.ID, err)
		}
		if err := sv.Add(ctx, domainCfg); err != nil {
			return nil, fmt.Errorf("backend %q: failed to register: %w", b.ID, err)
		}
	}

	sv.Start(ctx)
	return sv, nil
}

// runServe implements the serve command logic.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}

	cfg, err := loadAndValidateConfig(configPath)
	if err != nil {
		return err
	}

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	if transport, _ := cmd.Flags().GetString("transport"); transport != "" {
		cfg.Transport = transport
	}

	enableAudit, _ := cmd.Flags().GetBool("enable-audit")
	if enableAudit && cfg.Audit == nil {
		cfg.Audit = &config.AuditConfig{Enabled: true, Path: "-"}
		gwlog.Info("Audit logging enabled via --enable-audit")
	}

	sv, err := buildSupervisor(ctx, cfg)
	if err != nil {
		return err
	}
	defer sv.Shutdown()

	var auditSink auditlog.Sink
	if cfg.Audit != nil && cfg.Audit.Enabled {
		auditSink = auditlog.NewLoggingSink()
	} else {
		auditSink = auditlog.NopSink{}
	}

	idleTimeout, err := cfg.EffectiveSessionIdleTimeout()
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.Config{
		Name:                 cfg.Name,
		Version:              getVersion(),
		SessionIdleTimeout:   int64(idleTimeout.Seconds()),
		SessionTokenBudget:   cfg.EffectiveSessionTokenBudget(),
		EnableMetaTools:      cfg.EnableMetaTools(),
		EnableDeltaResponses: cfg.EnableDeltaResponses(),
		EnableCodeExecution:  cfg.EnableCodeExecution(),
		AuditSink:            auditSink,
	}, sv)
	defer gw.Close()

	switch cfg.EffectiveTransport() {
	case "stdio":
		gwlog.Info("Starting gateway over stdio")
		return gw.ServeStdio(ctx)
	default:
		addr := fmt.Sprintf("%s:%d", cfg.EffectiveHost(), cfg.EffectivePort())
		gwlog.Infof("Starting gateway at %s", addr)
		return gw.Serve(ctx, addr)
	}
}
