package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"multibroker-trader/internal/broker"
	"multibroker-trader/internal/models"
	"multibroker-trader/pkg/utils"
)

func addAccountCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newProfileCmd(app))
	rootCmd.AddCommand(newBalanceCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newOrdersCmd(app))
}

func accountContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newProfileCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show account profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, cancel := accountContext(cmd)
			defer cancel()

			profile, err := b.GetProfile(ctx)
			if err != nil {
				output.Error("Failed to fetch profile: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(profile)
			}

			output.Bold("Account Profile")
			output.Printf("  User ID:   %s\n", profile.UserID)
			output.Printf("  Name:      %s\n", profile.Name)
			if profile.Email != "" {
				output.Printf("  Email:     %s\n", profile.Email)
			}
			output.Printf("  Broker:    %s\n", broker.DisplayName(b.Name()))
			if len(profile.Exchange) > 0 {
				output.Printf("  Exchanges: %s\n", strings.Join(profile.Exchange, ", "))
			}
			return nil
		},
	}
}

func newBalanceCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show available trading balance",
		Long:  "Shows available funds after subtracting the configured capital reserve.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, cancel := accountContext(cmd)
			defer cancel()

			reserve := app.Config.Broker.CapitalReserve
			balance, err := b.GetBalance(ctx, reserve)
			if err != nil {
				output.Error("Failed to fetch balance: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"balance":         balance,
					"capital_reserve": reserve,
				})
			}

			output.Bold("Available Balance")
			output.Printf("  Deployable: %s\n", utils.FormatIndianCurrency(balance))
			if reserve > 0 {
				output.Dim("  (after %.0f%% capital reserve)", reserve*100)
			}
			return nil
		},
	}
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Show open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, cancel := accountContext(cmd)
			defer cancel()

			positions, err := b.GetPositions(ctx)
			if err != nil {
				output.Error("Failed to fetch positions: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(positions)
			}

			if len(positions) == 0 {
				output.Info("No open positions.")
				return nil
			}

			table := NewTable(output, "SYMBOL", "SIDE", "QTY", "AVG", "LTP", "P&L")
			totalPnL := 0.0
			for _, p := range positions {
				table.AddRow(
					p.Symbol,
					p.TradingsSide.String(),
					fmt.Sprintf("%d", p.Quantity),
					FormatPrice(p.BuyPrice),
					FormatPrice(p.LastPrice),
					output.FormatPnL(p.PnL),
				)
				totalPnL += p.PnL
			}
			table.Render()
			output.Println()
			output.Printf("Total P&L: %s\n", output.FormatPnL(totalPnL))
			return nil
		},
	}
}

func newOrdersCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders [order-id]",
		Short: "Show today's orders, or one order by id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, cancel := accountContext(cmd)
			defer cancel()

			if len(args) == 1 {
				order, err := b.GetOrderStatus(ctx, args[0])
				if err != nil {
					output.Error("Failed to fetch order %s: %v", args[0], err)
					return err
				}
				if output.IsJSON() {
					return output.JSON(order)
				}
				printOrderDetail(output, order)
				return nil
			}

			orders, err := b.GetOrderbook(ctx)
			if err != nil {
				output.Error("Failed to fetch orderbook: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(orders)
			}

			if len(orders) == 0 {
				output.Info("No orders today.")
				return nil
			}

			table := NewTable(output, "ORDER ID", "SYMBOL", "SIDE", "TYPE", "QTY", "PRICE", "STATUS")
			for _, o := range orders {
				table.AddRow(
					o.OrderID,
					o.Symbol,
					o.Side.String(),
					o.Kind.String(),
					fmt.Sprintf("%d/%d", o.FilledQty, o.Quantity),
					FormatPrice(o.Price),
					orderStatusText(output, o),
				)
			}
			table.Render()
			return nil
		},
	}
	return cmd
}

func printOrderDetail(output *Output, o *models.Order) {
	output.Bold("Order %s", o.OrderID)
	output.Printf("  Symbol:   %s\n", o.Symbol)
	output.Printf("  Side:     %s\n", o.Side.String())
	output.Printf("  Type:     %s\n", o.Kind.String())
	output.Printf("  Product:  %s\n", o.Product)
	output.Printf("  Quantity: %d (filled %d)\n", o.Quantity, o.FilledQty)
	output.Printf("  Price:    %s\n", FormatPrice(o.Price))
	if o.TriggerPrice > 0 {
		output.Printf("  Trigger:  %s\n", FormatPrice(o.TriggerPrice))
	}
	if o.AveragePrice > 0 {
		output.Printf("  Avg Fill: %s\n", FormatPrice(o.AveragePrice))
	}
	output.Printf("  Status:   %s\n", string(o.Status))
	if o.StatusMessage != "" {
		output.Dim("  Message:  %s", o.StatusMessage)
	}
	if !o.PlacedAt.IsZero() {
		output.Printf("  Placed:   %s\n", FormatDateTime(o.PlacedAt))
	}
}

func orderStatusText(output *Output, o models.Order) string {
	switch o.Status {
	case models.OrderStatusComplete:
		return output.Green(string(o.Status))
	case models.OrderStatusRejected, models.OrderStatusCancelled:
		return output.Red(string(o.Status))
	case models.OrderStatusOpen, models.OrderStatusPending:
		return output.Yellow(string(o.Status))
	default:
		return string(o.Status)
	}
}
