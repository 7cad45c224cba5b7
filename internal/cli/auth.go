package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"multibroker-trader/internal/broker"
	apperrors "multibroker-trader/internal/errors"
)

func addAuthCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newLoginCmd(app))
	rootCmd.AddCommand(newLogoutCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
}

func newLoginCmd(app *App) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the configured broker",
		Long: `Log in to the active broker.

Brokers with programmatic logins (TOTP, password, static token) log
in directly. OAuth and session-token brokers print a browser URL;
finish with:

  trader login --token <auth-code>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			if token != "" {
				if err := b.CompleteLogin(ctx, token); err != nil {
					output.Error("Login failed: %v", err)
					return err
				}
				output.Success("✓ Logged in to %s", broker.DisplayName(b.Name()))
				return nil
			}

			if err := b.Login(ctx); err != nil {
				// Interactive brokers need the browser round-trip.
				url, urlErr := b.LoginURL()
				if urlErr == nil && url != "" {
					output.Info("Open this URL in your browser to log in:")
					output.Println()
					output.Println("  " + url)
					output.Println()
					output.Dim("Then run: trader login --token <auth-code>")
					return nil
				}
				output.Error("Login failed: %v", err)
				return err
			}

			output.Success("✓ Logged in to %s", broker.DisplayName(b.Name()))
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "auth code or request token from the browser redirect")
	return cmd
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored broker session",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			if app.Store != nil {
				if err := app.Store.ClearToken(b.Name()); err != nil {
					output.Warning("Failed to clear stored token: %v", err)
				}
			}
			if err := b.Cleanup(); err != nil {
				output.Warning("Cleanup reported: %v", err)
			}
			output.Success("✓ Logged out of %s", broker.DisplayName(b.Name()))
			return nil
		},
	}
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show broker connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			b, err := requireBroker(app, output)
			if err != nil {
				return err
			}

			connected := b.IsConnected()
			if output.IsJSON() {
				status := map[string]interface{}{
					"broker":    b.Name(),
					"connected": connected,
				}
				if connected {
					ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
					defer cancel()
					if profile, err := b.GetProfile(ctx); err == nil {
						status["user_id"] = profile.UserID
						status["name"] = profile.Name
					}
				}
				return output.JSON(status)
			}

			output.Printf("Broker:    %s\n", broker.DisplayName(b.Name()))
			if !connected {
				output.Printf("Session:   %s\n", output.Red("● disconnected"))
				output.Dim("Run 'trader login' to start a session.")
				return nil
			}
			output.Printf("Session:   %s\n", output.Green("● connected"))

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			profile, err := b.GetProfile(ctx)
			if err != nil {
				if apperrors.IsAuthExpired(err) {
					output.Warning("Session expired, run 'trader login' again.")
					return nil
				}
				output.Warning("Could not fetch profile: %v", err)
				return nil
			}
			output.Printf("User:      %s", profile.UserID)
			if profile.Name != "" {
				output.Printf(" (%s)", profile.Name)
			}
			output.Println()
			return nil
		},
	}
}
