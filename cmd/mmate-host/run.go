package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mmate "github.com/glimte/mmate-host"
	"github.com/glimte/mmate-host/config"
	"github.com/glimte/mmate-host/internal/metrics"
	"github.com/glimte/mmate-host/messaging"
)

const shutdownTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the consumer host",
	RunE:  runHost,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("http-addr", ":8080", "address of the health and metrics server")
	_ = viper.BindPFlag("http.addr", runCmd.Flags().Lookup("http-addr"))
}

func runHost(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Info("using config file", "path", used)
	}

	collector := metrics.New("mmate")
	client, err := mmate.NewClient(cfg,
		mmate.WithLogger(logger),
		mmate.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.RegisterConfigured(loggingConsumer(logger, collector)); err != nil {
		return fmt.Errorf("failed to register consumers: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           client.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		logger.Error("failed to start consumer host", "error", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if state := client.Host().State(); state == messaging.HostRunning || state == messaging.HostStarting {
		if err := client.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop consumer host", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down http server", "error", err)
	}
	return nil
}

// loggingConsumer builds consumers that log every message. Queues with a
// batch size log whole batches.
func loggingConsumer(logger *slog.Logger, collector *metrics.Collector) func(messaging.QueueOptions) (messaging.Consumer, error) {
	return func(opts messaging.QueueOptions) (messaging.Consumer, error) {
		if opts.BatchSize == 0 {
			return messaging.ConsumerFunc(func(ctx context.Context, msg *messaging.Message) error {
				logger.Info("received message",
					"queue", msg.Queue,
					"messageId", msg.MessageID,
					"type", msg.Type,
					"size", len(msg.Body))
				return nil
			}), nil
		}

		batchOpts := []messaging.BatchOption{
			messaging.WithBatchSize(opts.BatchSize),
			messaging.WithRequeueOnError(opts.RequeueOnError),
			messaging.WithBatchLogger(logger),
			messaging.WithBatchMetrics(collector),
		}
		if opts.BatchTimeout > 0 {
			batchOpts = append(batchOpts, messaging.WithBatchTimeout(opts.BatchTimeout))
		}

		queue := opts.Queue
		consumer, err := messaging.NewBatchConsumer[json.RawMessage](messaging.BatchHandlerFunc[json.RawMessage](
			func(ctx context.Context, batch []json.RawMessage) error {
				logger.Info("received batch", "queue", queue, "size", len(batch))
				return nil
			}), batchOpts...)
		if err != nil {
			return nil, err
		}
		return consumer, nil
	}
}
