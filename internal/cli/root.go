package cli

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"multibroker-trader/internal/broker"
	"multibroker-trader/internal/config"
	"multibroker-trader/internal/logging"
	"multibroker-trader/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-01-01"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Broker broker.Broker
	Store  store.TokenStore
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Token store first so the broker can restore a persisted session.
	dataStore, err := store.NewSQLiteStore(config.DefaultDBPath())
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize token store, sessions will not persist")
	} else {
		app.Store = dataStore
	}

	b, err := broker.New(cfg, app.Store, logger)
	if err != nil {
		logger.Error().Err(err).Str("broker", cfg.Broker.Type).Msg("Failed to initialize broker")
	} else {
		app.Broker = b
		logger.Debug().Str("broker", b.Name()).Msg("Broker initialized")
	}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Multi-broker trading CLI for the Indian stock market",
		Long: `Trader is a command-line client for Indian brokerage accounts.

It speaks to ten brokers (Fyers, Zerodha, Dhan, Angel One, Upstox,
Shoonya, Kotak Neo, ICICI Breeze, Alice Blue, FlatTrade) through one
unified interface: quotes, historical candles, order management,
positions and live market-data streaming.

Select the active broker with broker.type in config.toml or the
TRADER_BROKER environment variable.

Use 'trader help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/multibroker-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addAuthCommands(rootCmd, app)
	addAccountCommands(rootCmd, app)
	addMarketCommands(rootCmd, app)
	addTradeCommands(rootCmd, app)
	addStreamCommands(rootCmd, app)
	addBrokerCommands(rootCmd, app)

	return rootCmd
}

func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Multi-Broker Trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Broker Configuration")
	output.Printf("  Active Broker:    %s\n", broker.DisplayName(cfg.Broker.Type))
	output.Printf("  Capital Reserve:  %.1f%%\n", cfg.Broker.CapitalReserve*100)
	output.Printf("  Default Quantity: %d\n", cfg.Broker.DefaultQuantity)
	output.Printf("  Default Product:  %s\n", cfg.Broker.DefaultProduct)
	output.Printf("  Default Exchange: %s\n", cfg.Broker.DefaultExchange)
	output.Println()

	output.Bold("Rate Limits")
	if len(cfg.Broker.RateLimits) == 0 {
		output.Printf("  (default %d req/s for all brokers)\n", broker.MaxRequestsPerSecond)
	}
	for name, limit := range cfg.Broker.RateLimits {
		output.Printf("  %-12s %d req/s\n", name+":", limit)
	}
	output.Println()

	output.Bold("Logging")
	output.Printf("  Level:   %s\n", cfg.Logging.Level)
	output.Printf("  Console: %v\n", cfg.Logging.Console)
	output.Printf("  File:    %v\n", cfg.Logging.File)

	return nil
}

var errNoBroker = errors.New("no broker configured")

// requireBroker returns the app broker or a friendly error when the
// factory failed at startup.
func requireBroker(app *App, output *Output) (broker.Broker, error) {
	if app.Broker == nil {
		output.Error("No broker configured. Check broker.type and credentials.toml.")
		return nil, errNoBroker
	}
	return app.Broker, nil
}
