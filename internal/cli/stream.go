package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"multibroker-trader/internal/models"
	"multibroker-trader/internal/stream"
)

func addStreamCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStreamCmd(app))
}

func newStreamCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stream SYMBOL [SYMBOL...]",
		Short: "Stream live ticks to the terminal",
		Long: `Stream live market data for the given symbols until
interrupted with Ctrl-C.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hub := stream.NewHub()
			callbacks := hub.Callbacks()
			callbacks.OnConnect = func() {
				output.Success("✓ Connected to %s feed", b.Name())
			}
			callbacks.OnClose = func(reason string) {
				output.Warning("Feed closed: %s", reason)
			}
			callbacks.OnError = func(err error) {
				app.Logger.Warn().Err(err).Msg("stream error")
			}

			s, err := b.CreateStream(callbacks)
			if err != nil {
				output.Error("Failed to create stream: %v", err)
				return err
			}
			hub.Attach(s)

			// Subscribe before connecting so vendors that replay the
			// subscription set on connect pick everything up.
			ticks := make(chan models.Tick, 256)
			for _, symbol := range args {
				ch := hub.Subscribe(symbol)
				go func(ch <-chan models.Tick) {
					for tick := range ch {
						select {
						case ticks <- tick:
						case <-ctx.Done():
							return
						}
					}
				}(ch)
			}

			if err := hub.Start(ctx); err != nil {
				output.Error("Failed to start stream: %v", err)
				return err
			}
			defer hub.Stop()

			output.Info("Streaming %d symbols, Ctrl-C to stop...", len(args))
			for {
				select {
				case <-ctx.Done():
					metrics := hub.GetMetrics()
					output.Println()
					output.Dim("Received %d ticks (%d dropped)", metrics.TicksReceived, metrics.TicksDropped)
					return nil
				case tick := <-ticks:
					printTick(output, tick)
				}
			}
		},
	}
}

func printTick(output *Output, tick models.Tick) {
	if output.IsJSON() {
		output.JSON(tick)
		return
	}
	line := output.Printf
	line("%s  %-28s %10s", FormatTime(tick.Timestamp), tick.Symbol, FormatPrice(tick.LTP))
	if tick.BidPrice > 0 || tick.AskPrice > 0 {
		line("  %s/%s", FormatPrice(tick.BidPrice), FormatPrice(tick.AskPrice))
	}
	if tick.Volume > 0 {
		line("  vol %s", FormatVolume(tick.Volume))
	}
	if tick.OI > 0 {
		line("  oi %s", FormatVolume(tick.OI))
	}
	output.Println()
}
