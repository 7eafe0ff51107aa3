package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tradebot-core/internal/api"
)

var serveVersion string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, the scheduled bots and reconciliation",
	Long: `Serve starts the HTTP/WebSocket API, launches a bot for every user listed
in BOT_USERS and, when paper mode is off, reconciles real orders against the
provider every RECONCILE_INTERVAL.

Example:
  BOT_USERS=alice,bob PROVIDER=sim tradebot serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveVersion, "version", envOr("APP_VERSION", "dev"), "version reported on /health")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Monitor.Start(ctx)

	for _, user := range cfg.BotUsers {
		if err := a.LoadUser(ctx, user); err != nil {
			return err
		}
		a.Bots.Start(user)
		log.WithFields(logrus.Fields{"user_id": user, "interval": cfg.CycleInterval.String()}).Info("bot started")
	}

	if !cfg.PaperMode {
		a.Reconciler.Start(ctx, a.Bots.Users)
	} else {
		log.Info("paper mode: reconciliation disabled")
	}

	server := api.NewServer(api.Config{
		Service:  a.Service,
		Bus:      a.Bus,
		Metrics:  a.Metrics,
		Log:      log,
		Variants: a.Variants.Names(),
		Meta:     api.SystemMeta{Provider: cfg.Provider, Version: serveVersion},
	})

	log.WithFields(logrus.Fields{
		"provider": cfg.Provider,
		"paper":    cfg.PaperMode,
		"users":    len(cfg.BotUsers),
	}).Info("tradebot started")

	err = server.Run(ctx, ":"+cfg.Port)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.Bots.StopAll(shutdownCtx)
	log.Info("tradebot stopped")

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
