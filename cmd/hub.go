package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"workerhub/internal/bus"
	"workerhub/internal/hub"
	"workerhub/internal/logger"
)

var (
	hubConfigPath string
	hubDebugFlag  bool

	tokenWorkerID string
	tokenRole     string
	tokenTTL      time.Duration

	proxyFrontend string
	proxyBackend  string
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run and manage the worker hub",
	Long: `The worker hub keeps one authenticated WebSocket connection per worker,
places calls and tasks by capability and load, and consumes Docker
orchestration commands from the pub/sub bus.`,
	RunE: runHub,
}

var hubServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker hub daemon",
	Long: `Start the worker hub. A default configuration file is written and the
command exits when the configured file does not exist.`,
	RunE: runHub,
}

func runHub(cmd *cobra.Command, args []string) error {
	logger.SetSilentMode(false)
	log := logger.New()

	created, err := hub.EnsureConfig(hubConfigPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create default config file")
		return err
	}
	if created {
		log.Info().
			Str("config_path", hubConfigPath).
			Msg("Created default configuration file. Please edit it with your settings.")
		return nil
	}

	daemon, err := hub.NewDaemon(hubConfigPath, hubDebugFlag)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create hub daemon")
		return fmt.Errorf("failed to create hub daemon: %w", err)
	}

	log.Info().
		Str("config_path", hubConfigPath).
		Bool("debug", hubDebugFlag).
		Msg("Starting worker hub daemon")

	// Blocks until shutdown
	if err := daemon.Start(); err != nil {
		log.Error().Err(err).Msg("Hub daemon stopped with error")
		return fmt.Errorf("hub daemon error: %w", err)
	}

	return nil
}

var hubConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hub configuration",
	Long:  `Generate or validate hub configuration files.`,
}

var hubConfigGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Long:  `Generate a default configuration file with example settings.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := hubConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		if err := hub.SaveConfig(hub.NewDefaultConfig(), configPath); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}

		cmd.Printf("Default configuration saved to: %s\n", configPath)
		cmd.Println("Please change auth.secret_key before exposing the hub.")
		return nil
	},
}

var hubConfigValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Long:  `Validate a hub configuration file for syntax and required fields.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := hubConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		config, err := hub.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", configPath)
		cmd.Printf("Listen address: %s\n", config.Server.Address)
		cmd.Printf("Worker endpoint: %s\n", config.Server.WSPath)
		cmd.Printf("API auth: %t\n", config.Server.APIAuth)
		if config.Bus.Enabled {
			cmd.Printf("Bus: %s -> %s\n", config.Bus.PublishEndpoint, config.Bus.SubscribeEndpoint)
		} else {
			cmd.Println("Bus: disabled")
		}
		if config.Database.Path != "" {
			cmd.Printf("Database: %s\n", config.Database.Path)
		}
		return nil
	},
}

var hubTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a token for a worker or operator",
	Long: `Sign a token with the configured shared secret. Workers present it in
their auth message; operators send it as a Bearer token to the API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenWorkerID == "" {
			return fmt.Errorf("--worker-id is required")
		}
		if tokenRole != hub.RoleWorker && tokenRole != hub.RoleOperator {
			return fmt.Errorf("role must be %q or %q", hub.RoleWorker, hub.RoleOperator)
		}

		config, err := hub.LoadConfig(hubConfigPath)
		if err != nil {
			return err
		}

		jwtService := hub.NewJWTService(config.Auth.SecretKey, config.Auth.Issuer)
		token, err := jwtService.GenerateToken(tokenWorkerID, tokenRole, tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}

		cmd.Println(token)
		return nil
	},
}

var hubBusProxyCmd = &cobra.Command{
	Use:   "bus-proxy",
	Short: "Run the pub/sub bus forwarder",
	Long: `Bind the publisher and subscriber endpoints and forward every message
between them. Hubs and backends connect to this process to share the bus.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.SetSilentMode(false)

		frontend, backend := proxyFrontend, proxyBackend
		if frontend == "" || backend == "" {
			config, err := hub.LoadConfig(hubConfigPath)
			if err != nil {
				return err
			}
			if frontend == "" {
				frontend = config.Bus.PublishEndpoint
			}
			if backend == "" {
				backend = config.Bus.SubscribeEndpoint
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return bus.RunProxy(ctx, frontend, backend)
	},
}

func init() {
	hubCmd.PersistentFlags().StringVarP(&hubConfigPath, "config", "c", "hub.yml", "Path to hub configuration file")
	hubCmd.PersistentFlags().BoolVarP(&hubDebugFlag, "debug", "d", false, "Enable debug logging")

	hubCmd.AddCommand(hubServeCmd)
	hubCmd.AddCommand(hubConfigCmd)
	hubCmd.AddCommand(hubTokenCmd)
	hubCmd.AddCommand(hubBusProxyCmd)
	hubConfigCmd.AddCommand(hubConfigGenerateCmd)
	hubConfigCmd.AddCommand(hubConfigValidateCmd)

	hubTokenCmd.Flags().StringVar(&tokenWorkerID, "worker-id", "", "Worker ID to embed in the token")
	hubTokenCmd.Flags().StringVar(&tokenRole, "role", hub.RoleWorker, "Token role (worker or operator)")
	hubTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "Token lifetime")

	hubBusProxyCmd.Flags().StringVar(&proxyFrontend, "frontend", "", "Publisher endpoint to bind (defaults to bus.publish_endpoint)")
	hubBusProxyCmd.Flags().StringVar(&proxyBackend, "backend", "", "Subscriber endpoint to bind (defaults to bus.subscribe_endpoint)")
}
