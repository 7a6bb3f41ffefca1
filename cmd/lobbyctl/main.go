package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DoyleJ11/lobby-client/internal/app"
	"github.com/DoyleJ11/lobby-client/internal/auth"
	"github.com/DoyleJ11/lobby-client/internal/config"
)

var (
	configPath string
	client     *app.App
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, whoamiCmd, roomsCmd, joinCmd, leaveCmd, readyCmd, watchCmd)
}

var rootCmd = &cobra.Command{
	Use:           "lobbyctl",
	Short:         "Lobby client",
	Long:          `lobbyctl signs in to the lobby backend and follows the lobby and rooms in real time`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		client, err = app.New(cmd.Context(), cfg)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if client == nil {
			return nil
		}
		return client.Close()
	},
}

// requireSession is the guard for commands that need a signed-in user.
func requireSession(ctx context.Context) error {
	err := client.Auth.EnsureFresh(ctx)
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		return errors.New("not signed in: run lobbyctl login")
	case errors.Is(err, auth.ErrSessionExpired):
		return errors.New("session expired: run lobbyctl login")
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
