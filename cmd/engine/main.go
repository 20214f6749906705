package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rawblock/swapradar-engine/internal/alert"
	"github.com/rawblock/swapradar-engine/internal/api"
	"github.com/rawblock/swapradar-engine/internal/config"
	"github.com/rawblock/swapradar-engine/internal/engine"
	"github.com/rawblock/swapradar-engine/pkg/models"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var roles engine.Roles

	root := &cobra.Command{
		Use:   "engine",
		Short: "RawBlock SwapRadar: real-time Solana swap surveillance",
		Long: "Consumes a raw Solana transaction feed, infers swaps from balance\n" +
			"deltas, tracks per-token rolling aggregates, and raises CTO alerts\n" +
			"when trigger rules fire. With no role flag every stage runs in one\n" +
			"process; role flags split the pipeline across processes sharing the\n" +
			"same counter store.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(roles)
		},
	}
	root.Flags().BoolVar(&roles.Ingest, "ingest-only", false, "run only the upstream relay")
	root.Flags().BoolVar(&roles.Consume, "consume-only", false, "run only the stream consumers")
	root.Flags().BoolVar(&roles.Detect, "detect-only", false, "run only detection, scoring and alerting")
	root.AddCommand(newTestAlertCmd())
	return root
}

// setup loads the environment and builds the shared logger. A .env file
// is optional; real deployments set the environment directly.
func setup() (*config.Settings, *logrus.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	return cfg, log, nil
}

func runEngine(roles engine.Roles) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, log, roles)
	if err != nil {
		return err
	}

	// Every accepted alert is also framed for the websocket stream.
	hub := api.NewHub(log)
	eng.Dispatcher().OnDispatch(func(a *models.Alert) {
		frame, err := json.Marshal(gin.H{"type": "alert", "alert": a})
		if err != nil {
			return
		}
		hub.Broadcast(frame)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.SetupRouter(eng, hub, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)
	go func() {
		log.WithField("port", cfg.Port).Info("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("API server failed")
			stop()
		}
	}()

	runErr := eng.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("API shutdown incomplete")
	}

	return runErr
}

func newTestAlertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-alert",
		Short: "Push a synthetic alert through the configured channels",
		Long: "Builds a sample CTO alert and delivers it through the real\n" +
			"dispatcher, rate limiter and retries included, to verify the\n" +
			"Discord and Telegram wiring before going live.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTestAlert()
		},
	}
}

func runTestAlert() error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	var channels []alert.Channel
	if cfg.DiscordEnabled() {
		channels = append(channels, alert.NewDiscord(cfg.DiscordWebhookURL))
	}
	if cfg.TelegramEnabled() {
		channels = append(channels, alert.NewTelegram("", cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if len(channels) == 0 {
		return fmt.Errorf("no alert channels configured: set DISCORD_WEBHOOK_URL or TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID")
	}

	disp := alert.NewDispatcher(channels, 10, 2, 5*time.Second, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp.Start(ctx)
	disp.Enqueue(sampleAlert())

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := disp.Drain(drainCtx); err != nil {
		return err
	}

	failed := false
	for name, st := range disp.Stats() {
		log.WithFields(logrus.Fields{
			"channel": name,
			"sent":    st.Sent,
			"errors":  st.Errors,
			"dropped": st.Dropped,
		}).Info("Channel result")
		if st.Sent == 0 {
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("test alert was not delivered on every channel")
	}
	return nil
}

// sampleAlert is deliberately loud so it is obvious in the channel that
// this is a wiring check, not a detection.
func sampleAlert() *models.Alert {
	return &models.Alert{
		Mint:           "TESTTESTTESTTESTTESTTESTTESTTESTTESTTESTTEST",
		TokenSymbol:    "TEST",
		TokenName:      "SwapRadar Wiring Check",
		TriggerName:    "test-alert",
		TriggerReason:  "manual dispatch verification",
		Venue:          "pump",
		VolumeSol5m:    123.4,
		BuyCount5m:     42,
		SellCount5m:    3,
		UniqueBuyers5m: 17,
		BuySellRatio5m: 14,
		PriceSol:       0.0000012,
		McapSol:        1200,
		CTOScore:       0.87,
		CTOComponents: map[string]float64{
			"cluster":       0.30,
			"concentration": 0.22,
			"timing":        0.15,
			"new_wallet":    0.12,
			"ratio":         0.08,
		},
		Evidence: []string{"synthetic alert from the test-alert command"},
	}
}
