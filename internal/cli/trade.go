package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"multibroker-trader/internal/models"
)

func addTradeCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newOrderCmd(app, models.SideBuy))
	rootCmd.AddCommand(newOrderCmd(app, models.SideSell))
	rootCmd.AddCommand(newModifyCmd(app))
	rootCmd.AddCommand(newCancelCmd(app))
	rootCmd.AddCommand(newExitCmd(app))
	rootCmd.AddCommand(newStopLossCmd(app))
}

// orderFlags holds the shared order entry flags.
type orderFlags struct {
	quantity int
	price    float64
	trigger  float64
	product  string
	tag      string
}

func (f *orderFlags) register(cmd *cobra.Command, app *App) {
	cmd.Flags().IntVarP(&f.quantity, "quantity", "q", app.Config.Broker.DefaultQuantity, "order quantity")
	cmd.Flags().Float64VarP(&f.price, "price", "p", 0, "limit price (0 = market order)")
	cmd.Flags().Float64VarP(&f.trigger, "trigger", "t", 0, "stop-loss trigger price (makes the order SL-M)")
	cmd.Flags().StringVar(&f.product, "product", app.Config.Broker.DefaultProduct, "product type (INTRADAY, DELIVERY, MARGIN)")
	cmd.Flags().StringVar(&f.tag, "tag", "", "order tag")
}

func (f *orderFlags) request(symbol string, side models.Side) models.OrderRequest {
	req := models.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Kind:     models.OrderMarket,
		Product:  models.Product(strings.ToUpper(f.product)),
		Quantity: f.quantity,
		Validity: "DAY",
		Tag:      f.tag,
	}
	if f.trigger > 0 {
		req.Kind = models.OrderStopLossMarket
		req.TriggerPrice = f.trigger
	} else if f.price > 0 {
		req.Kind = models.OrderLimit
		req.Price = f.price
	}
	return req
}

func newOrderCmd(app *App, side models.Side) *cobra.Command {
	flags := &orderFlags{}
	verb := strings.ToLower(side.String())
	titled := strings.ToUpper(verb[:1]) + verb[1:]

	cmd := &cobra.Command{
		Use:   verb + " SYMBOL",
		Short: titled + " a symbol",
		Long: titled + ` a symbol.

Without --price the order goes at market. With --price it becomes a
limit order, and with --trigger a stop-loss market order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, cancel := accountContext(cmd)
			defer cancel()

			req := flags.request(args[0], side)
			orderID, err := b.PlaceOrder(ctx, req)
			if err != nil {
				output.Error("Order failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]string{"order_id": orderID})
			}
			output.Success("✓ %s %d x %s (%s) — order %s",
				side.String(), req.Quantity, req.Symbol, req.Kind.String(), orderID)
			return nil
		},
	}

	flags.register(cmd, app)
	return cmd
}

func newModifyCmd(app *App) *cobra.Command {
	flags := &orderFlags{}

	cmd := &cobra.Command{
		Use:   "modify ORDER-ID SYMBOL",
		Short: "Modify an open order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, cancel := accountContext(cmd)
			defer cancel()

			// Side is ignored by modify endpoints; buy keeps the
			// request well-formed.
			req := flags.request(args[1], models.SideBuy)
			if err := b.ModifyOrder(ctx, args[0], req); err != nil {
				output.Error("Modify failed: %v", err)
				return err
			}

			output.Success("✓ Order %s modified", args[0])
			return nil
		},
	}

	flags.register(cmd, app)
	return cmd
}

func newCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ORDER-ID",
		Short: "Cancel an open order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, cancel := accountContext(cmd)
			defer cancel()

			if err := b.CancelOrder(ctx, args[0]); err != nil {
				output.Error("Cancel failed: %v", err)
				return err
			}
			output.Success("✓ Order %s cancelled", args[0])
			return nil
		},
	}
}

func newExitCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "exit SYMBOL",
		Short: "Exit the open position in a symbol at market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, cancel := accountContext(cmd)
			defer cancel()

			if err := b.ExitPosition(ctx, args[0]); err != nil {
				output.Error("Exit failed: %v", err)
				return err
			}
			output.Success("✓ Position in %s closed", args[0])
			return nil
		},
	}
}

func newStopLossCmd(app *App) *cobra.Command {
	var (
		quantity int
		trigger  float64
	)

	cmd := &cobra.Command{
		Use:   "stoploss SYMBOL",
		Short: "Manage stop-loss orders for a position",
		Long: `Place a stop-loss market order against an open position:

  trader stoploss NSE:SBIN-EQ --trigger 820 --quantity 75

Remove the pending stop-loss:

  trader stoploss NSE:SBIN-EQ --remove`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, cancel := accountContext(cmd)
			defer cancel()

			remove, _ := cmd.Flags().GetBool("remove")
			if remove {
				if err := b.RemoveStopLoss(ctx, args[0]); err != nil {
					output.Error("Remove stop-loss failed: %v", err)
					return err
				}
				output.Success("✓ Stop-loss for %s removed", args[0])
				return nil
			}

			if trigger <= 0 {
				output.Error("--trigger is required to place a stop-loss")
				return cmd.Usage()
			}

			orderID, err := b.AddStopLoss(ctx, args[0], quantity, trigger)
			if err != nil {
				output.Error("Stop-loss failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"order_id": orderID})
			}
			output.Success("✓ Stop-loss at %s placed — order %s", FormatPrice(trigger), orderID)
			return nil
		},
	}

	cmd.Flags().IntVarP(&quantity, "quantity", "q", app.Config.Broker.DefaultQuantity, "quantity to protect")
	cmd.Flags().Float64VarP(&trigger, "trigger", "t", 0, "trigger price")
	cmd.Flags().Bool("remove", false, "cancel the pending stop-loss instead")
	return cmd
}
