package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-client/internal/config"
	"github.com/DoyleJ11/lobby-client/internal/mockserver"
	"github.com/DoyleJ11/lobby-client/pkg/logger"
)

var (
	addr      string
	rooms     int
	accessTTL time.Duration
	logLevel  string
	users     []string
)

func init() {
	rootCmd.Flags().StringVarP(&addr, "addr", "a", ":8000", "Address to listen on")
	rootCmd.Flags().IntVar(&rooms, "rooms", 3, "Number of rooms")
	rootCmd.Flags().DurationVar(&accessTTL, "access-ttl", time.Hour, "Access token lifetime")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	rootCmd.Flags().StringArrayVarP(&users, "user", "u", nil, "Seed an account as name:password (repeatable)")
}

var rootCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Mock lobby backend",
	Long:  `mock-server serves the auth, room and channel endpoints the lobby client talks to`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func run() error {
	log, err := logger.NewLogger(&config.LoggerConfig{Level: logLevel, Format: "console", Color: true})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := mockserver.New(ctx, mockserver.Options{RoomCount: rooms, AccessTTL: accessTTL, Logger: log})
	defer srv.Close()
	for _, u := range users {
		name, password, ok := strings.Cut(u, ":")
		if !ok {
			return fmt.Errorf("--user %q: want name:password", u)
		}
		if _, err := srv.CreateUser(name, password); err != nil {
			return fmt.Errorf("seed user %q: %w", name, err)
		}
	}

	httpServer := &http.Server{Addr: addr, Handler: srv}
	errChan := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, stopping server...")
	case err := <-errChan:
		log.Error("Server error occurred", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.DropConnections()
	return httpServer.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
