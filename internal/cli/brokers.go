package cli

import (
	"github.com/spf13/cobra"

	"multibroker-trader/internal/broker"
)

func addBrokerCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newBrokersCmd(app))
}

func newBrokersCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "brokers",
		Short: "List supported brokers",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			active := ""
			if app.Broker != nil {
				active = app.Broker.Name()
			}

			if output.IsJSON() {
				type brokerInfo struct {
					Name            string `json:"name"`
					DisplayName     string `json:"display_name"`
					AuthMethod      string `json:"auth_method"`
					SupportsHistory bool   `json:"supports_history"`
					Active          bool   `json:"active"`
				}
				var infos []brokerInfo
				for _, name := range broker.Supported() {
					infos = append(infos, brokerInfo{
						Name:            name,
						DisplayName:     broker.DisplayName(name),
						AuthMethod:      broker.AuthMethod(name),
						SupportsHistory: broker.SupportsHistory(name),
						Active:          name == active,
					})
				}
				return output.JSON(infos)
			}

			table := NewTable(output, "", "BROKER", "NAME", "AUTH", "HISTORY")
			for _, name := range broker.Supported() {
				marker := " "
				if name == active {
					marker = output.Green("●")
				}
				history := output.Green("yes")
				if !broker.SupportsHistory(name) {
					history = output.DimText("no")
				}
				table.AddRow(marker, name, broker.DisplayName(name), broker.AuthMethod(name), history)
			}
			table.Render()
			output.Println()
			output.Dim("Set broker.type in config.toml or TRADER_BROKER to switch.")
			return nil
		},
	}
}
