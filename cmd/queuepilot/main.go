package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cboxdk/queuepilot/internal/app"
	"github.com/cboxdk/queuepilot/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Version = "1.0.0-dev"
)

// CLI represents the command line interface
type CLI struct {
	args []string
}

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

func main() {
	cli := &CLI{args: os.Args[1:]}

	commands := map[string]*Command{
		"run":            {Name: "run", Description: "Start the queue health monitor", Usage: "run [--config path] [--log-level level]", Run: cli.runCommand},
		"validate":       {Name: "validate", Description: "Validate configuration file", Usage: "validate [--config path]", Run: cli.validateCommand},
		"version":        {Name: "version", Description: "Show version information", Usage: "version", Run: cli.versionCommand},
		"help":           {Name: "help", Description: "Show help information", Usage: "help [command]", Run: cli.helpCommand},
		"example-config": {Name: "example-config", Description: "Generate example configuration file", Usage: "example-config [--output path]", Run: cli.exampleConfigCommand},
	}

	if len(cli.args) == 0 {
		cli.printUsage(commands)
		os.Exit(1)
	}

	commandName := cli.args[0]

	// Handle help flag
	if commandName == "--help" || commandName == "-h" {
		cli.printUsage(commands)
		return
	}

	// Default to run command if not a recognized command
	if _, exists := commands[commandName]; !exists {
		// Check if it's a flag for the run command
		if strings.HasPrefix(commandName, "--") {
			commandName = "run"
		} else {
			fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", commandName)
			cli.printUsage(commands)
			os.Exit(1)
		}
	} else {
		// Remove command name from args
		cli.args = cli.args[1:]
	}

	cmd := commands[commandName]
	if err := cmd.Run(cli.args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (cli *CLI) printUsage(commands map[string]*Command) {
	fmt.Printf("Queuepilot v%s\n", Version)
	fmt.Println("Health monitoring and auto-scaling decisions for queues and worker pools.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Printf("  %s <command> [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("COMMANDS:")

	commandOrder := []string{"run", "validate", "example-config", "version", "help"}
	for _, name := range commandOrder {
		if cmd, exists := commands[name]; exists {
			fmt.Printf("  %-15s %s\n", cmd.Name, cmd.Description)
		}
	}

	fmt.Println()
	fmt.Println("GLOBAL OPTIONS:")
	fmt.Println("  --help, -h       Show help information")
	fmt.Println()
	fmt.Println("Use \"queuepilot help <command>\" for more information about a command.")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Printf("  %s run --config /etc/queuepilot/config.yaml\n", os.Args[0])
	fmt.Printf("  %s validate --config ./config.yaml\n", os.Args[0])
	fmt.Printf("  %s example-config --output ./queuepilot.yaml\n", os.Args[0])
}

func (cli *CLI) parseFlags(args []string, flags map[string]*string) []string {
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "--") {
			flagName := strings.TrimPrefix(arg, "--")

			// Handle --flag=value format
			if strings.Contains(flagName, "=") {
				parts := strings.SplitN(flagName, "=", 2)
				flagName = parts[0]
				if flagVar, exists := flags[flagName]; exists {
					*flagVar = parts[1]
				}
				continue
			}

			// Handle --flag value format
			if flagVar, exists := flags[flagName]; exists {
				if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
					*flagVar = args[i+1]
					i++ // Skip the value
				} else {
					// Boolean flag or missing value
					*flagVar = "true"
				}
				continue
			}
		}

		remaining = append(remaining, arg)
	}

	return remaining
}

func (cli *CLI) runCommand(args []string) error {
	var configPath string
	var logLevel = "info"

	flags := map[string]*string{
		"config":    &configPath,
		"log-level": &logLevel,
	}

	remaining := cli.parseFlags(args, flags)

	// Check for help
	for _, arg := range remaining {
		if arg == "--help" || arg == "-h" {
			cli.printRunHelp()
			return nil
		}
	}

	if err := cli.validateConfigPath(configPath); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := cli.createLogger(cfg.Logging, logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	manager, err := app.NewManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("Starting queuepilot",
		zap.String("version", Version),
		zap.Int("resources_configured", len(cfg.Resources)),
		zap.String("aggregation_interval", cfg.Engine.AggregationInterval.String()),
		zap.String("server_address", cfg.Server.BindAddress))

	if err := manager.Run(ctx); err != nil {
		logger.Error("Manager stopped with error", zap.Error(err))
		return fmt.Errorf("manager stopped with error: %w", err)
	}

	logger.Info("Queuepilot stopped")
	return nil
}

func (cli *CLI) validateCommand(args []string) error {
	var configPath string

	flags := map[string]*string{
		"config": &configPath,
	}

	remaining := cli.parseFlags(args, flags)

	// Check for help
	for _, arg := range remaining {
		if arg == "--help" || arg == "-h" {
			cli.printValidateHelp()
			return nil
		}
	}

	var cfg *config.Config
	var err error

	if configPath == "" {
		fmt.Println("Validating default configuration")
		cfg, err = config.LoadDefault()
		if err != nil {
			return fmt.Errorf("default configuration validation failed: %w", err)
		}
	} else {
		if err := cli.validateConfigPath(configPath); err != nil {
			return err
		}

		fmt.Printf("Validating configuration file: %s\n", configPath)
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	cli.printConfigurationSummary(cfg)

	fmt.Println("\nConfiguration is valid.")
	return nil
}

// printConfigurationSummary prints a summary of valid configuration
func (cli *CLI) printConfigurationSummary(cfg *config.Config) {
	fmt.Println("\nCONFIGURATION SUMMARY:")

	fmt.Printf("Server:\n")
	fmt.Printf("   Bind Address: %s\n", cfg.Server.BindAddress)
	fmt.Printf("   Metrics Path: %s\n", cfg.Server.MetricsPath)
	fmt.Printf("   Health Path: %s\n", cfg.Server.HealthPath)
	if cfg.Server.API.Enabled {
		fmt.Printf("   API: enabled at %s (%.0f req/s, burst %d)\n",
			cfg.Server.API.BasePath, cfg.Server.API.RequestsPerSecond, cfg.Server.API.Burst)
	} else {
		fmt.Printf("   API: disabled\n")
	}

	fmt.Printf("\nStorage:\n")
	fmt.Printf("   Database: %s\n", cfg.Storage.DatabasePath)
	fmt.Printf("   Retention: %s\n", cfg.Storage.Retention)

	fmt.Printf("\nEngine:\n")
	fmt.Printf("   Aggregation Interval: %s\n", cfg.Engine.AggregationInterval)
	fmt.Printf("   Detection Interval: %s\n", cfg.Engine.DetectionInterval)
	fmt.Printf("   Decision Interval: %s\n", cfg.Engine.DecisionInterval)
	fmt.Printf("   Window: %d..%d samples, max age %s\n",
		cfg.Engine.Window.MinSamples, cfg.Engine.Window.MaxSamples, cfg.Engine.Window.MaxAge)

	fmt.Printf("\nResources (%d configured):\n", len(cfg.Resources))
	for i := range cfg.Resources {
		res := &cfg.Resources[i]
		fmt.Printf("   Resource '%s' (%s):\n", res.ID, res.Kind)
		fmt.Printf("      Depth p95 enter/exit: %g / %g\n", res.Health.DepthP95Enter, res.Health.DepthP95Exit)
		fmt.Printf("      Depth ceiling: %d\n", res.Health.DepthCeiling)
		fmt.Printf("      Consumer lag max: %gs\n", res.Health.ConsumerLagMax)
		if res.Scaling.Enabled {
			fmt.Printf("      Auto-scaling: Min=%d, Max=%d, Target=%.0f%%\n",
				res.Scaling.MinSize, res.Scaling.MaxSize, res.Scaling.TargetUtilization*100)
		} else if res.Kind == "worker_pool" {
			fmt.Printf("      Auto-scaling: disabled\n")
		}
	}

	if cfg.Telemetry.Enabled {
		fmt.Printf("\nTelemetry: enabled (%s exporter)\n", cfg.Telemetry.Exporter.Type)
		fmt.Printf("   Service: %s v%s (%s)\n", cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
		fmt.Printf("   Sampling Rate: %.1f%%\n", cfg.Telemetry.Sampling.Rate*100)
	} else {
		fmt.Printf("\nTelemetry: disabled\n")
	}
}

func (cli *CLI) versionCommand(args []string) error {
	fmt.Printf("Queuepilot version %s\n", Version)
	fmt.Println("Built with Go")
	fmt.Println("https://github.com/cboxdk/queuepilot")
	return nil
}

func (cli *CLI) helpCommand(args []string) error {
	commands := map[string]*Command{
		"run":            {Name: "run", Description: "Start the queue health monitor", Usage: "run [--config path] [--log-level level]", Run: cli.runCommand},
		"validate":       {Name: "validate", Description: "Validate configuration file", Usage: "validate [--config path]", Run: cli.validateCommand},
		"version":        {Name: "version", Description: "Show version information", Usage: "version", Run: cli.versionCommand},
		"help":           {Name: "help", Description: "Show help information", Usage: "help [command]", Run: cli.helpCommand},
		"example-config": {Name: "example-config", Description: "Generate example configuration file", Usage: "example-config [--output path]", Run: cli.exampleConfigCommand},
	}

	if len(args) == 0 {
		cli.printUsage(commands)
		return nil
	}

	commandName := args[0]
	switch commandName {
	case "run":
		cli.printRunHelp()
	case "validate":
		cli.printValidateHelp()
	case "example-config":
		cli.printExampleConfigHelp()
	case "version":
		fmt.Println("USAGE: queuepilot version")
		fmt.Println("Show version information and build details.")
	default:
		fmt.Printf("Unknown command: %s\n\n", commandName)
		cli.printUsage(commands)
	}

	return nil
}

func (cli *CLI) exampleConfigCommand(args []string) error {
	var outputPath = "queuepilot.yaml"

	flags := map[string]*string{
		"output": &outputPath,
	}

	remaining := cli.parseFlags(args, flags)

	// Check for help
	for _, arg := range remaining {
		if arg == "--help" || arg == "-h" {
			cli.printExampleConfigHelp()
			return nil
		}
	}

	// Check if file already exists
	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("file already exists: %s (use a different path or remove the existing file)", outputPath)
	}

	// Copy the example config
	sourceConfig := filepath.Join("configs", "example.yaml")

	data, err := os.ReadFile(sourceConfig)
	if err != nil {
		return fmt.Errorf("failed to read example config: %w", err)
	}

	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Example configuration written to: %s\n", outputPath)
	fmt.Println("Edit the file to match your environment and use:")
	fmt.Printf("  queuepilot validate --config %s\n", outputPath)
	return nil
}

func (cli *CLI) validateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path cannot be empty (use --config)")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", path)
	}

	return nil
}

// createLogger builds the root logger from the config's logging section.
// A non-empty --log-level flag overrides the configured level.
func (cli *CLI) createLogger(cfg config.LoggingConfig, levelOverride string) (*zap.Logger, error) {
	level := cfg.Level
	if levelOverride != "" {
		level = levelOverride
	}

	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", level)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	if cfg.OutputPath != "" {
		zapConfig.OutputPaths = []string{cfg.OutputPath}
	}
	return zapConfig.Build()
}

func (cli *CLI) printRunHelp() {
	fmt.Println("USAGE: queuepilot run [options]")
	fmt.Println("Start the queue health monitor and scaling decision engine.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --config path        Configuration file path (required)")
	fmt.Println("  --log-level level    Log level: debug, info, warn, error (overrides config)")
	fmt.Println("  --help, -h           Show this help message")
	fmt.Println()
	fmt.Println("SIGNALS:")
	fmt.Println("  SIGINT/SIGTERM    Graceful shutdown")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  queuepilot run --config /etc/queuepilot/config.yaml")
	fmt.Println("  queuepilot run --config ./config.yaml --log-level debug")
}

func (cli *CLI) printValidateHelp() {
	fmt.Println("USAGE: queuepilot validate [options]")
	fmt.Println("Validate configuration file without starting the service.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --config path  Configuration file path (default: built-in defaults)")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  queuepilot validate")
	fmt.Println("  queuepilot validate --config ./config.yaml")
}

func (cli *CLI) printExampleConfigHelp() {
	fmt.Println("USAGE: queuepilot example-config [options]")
	fmt.Println("Generate an example configuration file.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --output path  Output file path (default: queuepilot.yaml)")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  queuepilot example-config")
	fmt.Println("  queuepilot example-config --output /etc/queuepilot/config.yaml")
}
