package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"multibroker-trader/internal/models"
	"multibroker-trader/pkg/utils"
)

func addMarketCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newQuoteCmd(app))
	rootCmd.AddCommand(newHistoryCmd(app))
	rootCmd.AddCommand(newMarketCmd())
}

func newQuoteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "quote SYMBOL [SYMBOL...]",
		Short: "Get live quotes",
		Long: `Get live quotes for one or more symbols.

Symbols use the canonical EXCHANGE:TRADINGSYMBOL form, e.g.
NSE:SBIN-EQ or NFO:NIFTY25SEP24800CE. A bare trading symbol is
assumed to be NSE.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, cancel := accountContext(cmd)
			defer cancel()

			if len(args) == 1 {
				quote, err := b.GetOptionQuote(ctx, args[0])
				if err != nil {
					output.Error("Failed to fetch quote for %s: %v", args[0], err)
					return err
				}
				if output.IsJSON() {
					return output.JSON(quote)
				}
				output.Bold("%s", quote.Symbol)
				output.Printf("  LTP:     %s  %s\n", FormatPrice(quote.LTP), output.FormatPercent(quote.ChangePercent))
				output.Printf("  %s\n", FormatOHLC(quote.Open, quote.High, quote.Low, quote.Close))
				if quote.BidPrice > 0 || quote.AskPrice > 0 {
					output.Printf("  Bid/Ask: %s / %s\n", FormatPrice(quote.BidPrice), FormatPrice(quote.AskPrice))
				}
				if quote.Volume > 0 {
					output.Printf("  Volume:  %s\n", FormatVolume(quote.Volume))
				}
				if quote.OI > 0 {
					output.Printf("  OI:      %s\n", FormatVolume(quote.OI))
				}
				return nil
			}

			quotes, err := b.GetOptionChainQuotes(ctx, args)
			if err != nil {
				output.Error("Failed to fetch quotes: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(quotes)
			}

			table := NewTable(output, "SYMBOL", "LTP", "CHANGE", "BID", "ASK", "VOLUME")
			for _, symbol := range args {
				q, ok := quotes[symbol]
				if !ok {
					table.AddRow(symbol, output.DimText("unresolved"), "", "", "", "")
					continue
				}
				table.AddRow(
					q.Symbol,
					FormatPrice(q.LTP),
					output.FormatPercent(q.ChangePercent),
					FormatPrice(q.BidPrice),
					FormatPrice(q.AskPrice),
					FormatVolume(q.Volume),
				)
			}
			table.Render()
			return nil
		},
	}
}

func newHistoryCmd(app *App) *cobra.Command {
	var (
		resolution string
		days       int
		fromStr    string
		toStr      string
	)

	cmd := &cobra.Command{
		Use:   "history SYMBOL",
		Short: "Get historical candles",
		Long: `Get historical OHLCV candles for a symbol.

Resolution is broker-neutral: minutes as "1", "5", "15", "30", "60"
or "D" for daily. By default the last --days days are fetched; an
explicit window can be given with --from and --to (YYYY-MM-DD).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, cancel := accountContext(cmd)
			defer cancel()

			symbol := args[0]
			var candles []models.Candle
			if fromStr != "" || toStr != "" {
				from, err := time.ParseInLocation("2006-01-02", fromStr, utils.IndiaLocation)
				if err != nil {
					return fmt.Errorf("invalid --from date: %w", err)
				}
				to := time.Now().In(utils.IndiaLocation)
				if toStr != "" {
					to, err = time.ParseInLocation("2006-01-02", toStr, utils.IndiaLocation)
					if err != nil {
						return fmt.Errorf("invalid --to date: %w", err)
					}
				}
				candles, err = b.GetHistoryForTimeframe(ctx, symbol, resolution, from, to)
				if err != nil {
					output.Error("Failed to fetch history: %v", err)
					return err
				}
			} else {
				candles, err = b.GetHistory(ctx, symbol, resolution, days)
				if err != nil {
					output.Error("Failed to fetch history: %v", err)
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(candles)
			}

			if len(candles) == 0 {
				output.Info("No candles returned.")
				return nil
			}

			table := NewTable(output, "TIME", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")
			for _, c := range candles {
				table.AddRow(
					FormatDateTime(c.Timestamp),
					FormatPrice(c.Open),
					FormatPrice(c.High),
					FormatPrice(c.Low),
					FormatPrice(c.Close),
					FormatVolume(c.Volume),
				)
			}
			table.Render()
			output.Println()
			output.Dim("%d candles (%s)", len(candles), resolution)
			return nil
		},
	}

	cmd.Flags().StringVarP(&resolution, "resolution", "r", "5", "candle resolution (1, 5, 15, 30, 60, D)")
	cmd.Flags().IntVarP(&days, "days", "d", 5, "lookback days")
	cmd.Flags().StringVar(&fromStr, "from", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toStr, "to", "", "end date (YYYY-MM-DD)")
	return cmd
}

func newMarketCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "market",
		Short: "Show market session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			status := utils.GetMarketStatus()

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"status":    string(status),
					"next_open": utils.GetNextMarketOpen(),
				})
			}

			output.Printf("Market: %s\n", output.MarketStatus(string(status)))
			if utils.IsMarketOpen() {
				output.Printf("Closes in %s\n", utils.TimeUntilMarketClose().Round(time.Minute))
			} else {
				output.Printf("Next open: %s\n", FormatDateTime(utils.GetNextMarketOpen()))
			}
			return nil
		},
	}
}
