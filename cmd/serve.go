package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stackaudit/stackaudit/internal/api"
	"github.com/stackaudit/stackaudit/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start the HTTP server exposing the review API: submission,
lifecycle, history, group queries, analytics, and the signed CI webhook.
By default it listens on :8080. Use --addr to change it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pf := daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "stackaudit.pid"))
		if err := pf.Acquire(); err != nil {
			return err
		}
		defer func() { _ = pf.Remove() }()

		s, err := getStore()
		if err != nil {
			return err
		}
		svc, err := getService()
		if err != nil {
			return err
		}

		srv := api.NewServer(s, svc, viper.GetString("webhook.secret"), logger)
		addr := viper.GetString("serve.addr")
		httpServer := &http.Server{
			Addr:    addr,
			Handler: srv.Router(),
		}

		serverErrors := make(chan error, 1)
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, shutdownSignals()...)

		go func() {
			logger.Info().Str("addr", addr).Msg("starting server")
			serverErrors <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-serverErrors:
			return err
		case <-shutdown:
			logger.Info().Msg("shutdown initiated")

			// Give outstanding requests a deadline for completion.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(ctx); err != nil {
				logger.Error().Err(err).Msg("graceful shutdown failed")
				return httpServer.Close()
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":8080", "address to listen on")
	_ = viper.BindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))
}
