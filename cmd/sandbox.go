package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/onboard/internal/logging"
	"github.com/joescharf/onboard/internal/sandbox"
)

const sandboxShutdownTimeout = 5 * time.Second

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Run a local scripted onboarding backend",
	Long: `Start an in-memory onboarding backend for trying the client offline.

Sessions move through research, questions, and delivery on a fixed
script; runs stream progress and produce an output. Point the client at
it with:

  ONBOARD_API_BASE_URL=http://localhost:8000/api/v1 onboard start ...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sandboxRun(cmd.Context(), viper.GetInt("sandbox.port"), viper.GetString("sandbox.token"))
	},
}

func init() {
	rootCmd.AddCommand(sandboxCmd)

	sandboxCmd.Flags().IntP("port", "p", 8000, "port to listen on")
	sandboxCmd.Flags().String("token", "", "require this bearer token")
	viper.SetDefault("sandbox.port", 8000)
	_ = viper.BindPFlag("sandbox.port", sandboxCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("sandbox.token", sandboxCmd.Flags().Lookup("token"))
}

func sandboxRun(ctx context.Context, port int, token string) error {
	log, err := logging.New(logging.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
	})
	if err != nil {
		return err
	}

	opts := []sandbox.Option{sandbox.WithLogger(logging.Component(log, "sandbox"))}
	if token != "" {
		opts = append(opts, sandbox.WithToken(token))
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           sandbox.NewServer(opts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	ui.Success("Sandbox API at http://localhost:%d/api/v1", port)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	ui.Info("Shutting down sandbox")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), sandboxShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
