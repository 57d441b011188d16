package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/eventpipe"
	"github.com/glimte/eventpipe/config"
	"github.com/glimte/eventpipe/contracts"
	"github.com/glimte/eventpipe/health"
	"github.com/glimte/eventpipe/interceptors"
	"github.com/glimte/eventpipe/internal/rabbitmq"
	"github.com/glimte/eventpipe/internal/reliability"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "eventconsumer",
		Short: "Run and operate an eventpipe consumer",
		Long: `eventconsumer consumes events from a RabbitMQ queue through the eventpipe
pipeline and exposes liveness and readiness endpoints. It also inspects dead
letters and replays messages from the DLQ spill log.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")

	load := func() (config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, nil, err
		}
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return cfg, nil, err
		}
		return cfg, logger, nil
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Consume the configured queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return run(cmd.Context(), cfg, logger)
		},
	}

	// DLQ command
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead letters",
	}

	var peekCount int
	dlqPeekCmd := &cobra.Command{
		Use:   "peek [dlq-name]",
		Short: "Show dead letters with their diagnostics without consuming them",
		Long:  "Peek at the dead letter queue. Defaults to the DLQ of the configured queue.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			name := cfg.DLQRoutingKey()
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" {
				return fmt.Errorf("%w: no dead letter queue configured", contracts.ErrConfiguration)
			}

			return withBroker(cmd.Context(), cfg, logger, func(b *broker) error {
				messages, err := b.topology.Peek(cmd.Context(), name, peekCount)
				if err != nil {
					return fmt.Errorf("failed to peek dead letters: %w", err)
				}
				printDeadLetters(name, messages)
				return nil
			})
		},
	}
	dlqPeekCmd.Flags().IntVarP(&peekCount, "count", "n", 10, "Number of messages to peek")

	dlqCmd.AddCommand(dlqPeekCmd)

	// Queue command
	queueCmd := &cobra.Command{
		Use:   "queue [queue-name]",
		Short: "Show depth and consumers of a queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			name := cfg.Broker.Queue
			if len(args) == 1 {
				name = args[0]
			}

			return withBroker(cmd.Context(), cfg, logger, func(b *broker) error {
				q, err := b.topology.InspectQueue(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("failed to inspect queue: %w", err)
				}
				fmt.Printf("%-40s %-10s %-10s\n", "Name", "Messages", "Consumers")
				fmt.Println(strings.Repeat("-", 62))
				fmt.Printf("%-40s %-10d %-10d\n", truncate(q.Name, 40), q.Messages, q.Consumers)
				return nil
			})
		},
	}

	// Spill command
	spillCmd := &cobra.Command{
		Use:   "spill",
		Short: "Manage dead letters that could not be published to the DLQ",
	}

	var spillLimit int
	spillListCmd := &cobra.Command{
		Use:   "list",
		Short: "List spilled messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			spill, err := reliability.NewSQLiteSpillLog(cfg.DLQ.SpillPath)
			if err != nil {
				return err
			}
			defer spill.Close()

			messages, err := spill.List(cmd.Context(), reliability.SpillFilter{MaxResults: spillLimit})
			if err != nil {
				return fmt.Errorf("failed to list spilled messages: %w", err)
			}
			printSpilled(messages)
			return nil
		},
	}
	spillListCmd.Flags().IntVarP(&spillLimit, "count", "n", 50, "Maximum number of messages to list")

	spillReplayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Publish spilled messages to the DLQ and remove them from the spill log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			routingKey := cfg.DLQRoutingKey()
			if routingKey == "" {
				return fmt.Errorf("%w: no dead letter queue configured", contracts.ErrConfiguration)
			}

			spill, err := reliability.NewSQLiteSpillLog(cfg.DLQ.SpillPath)
			if err != nil {
				return err
			}
			defer spill.Close()

			return withBroker(cmd.Context(), cfg, logger, func(b *broker) error {
				replayed, err := replaySpilled(cmd.Context(), spill, b.publisher, cfg.DLQ.Exchange, routingKey)
				fmt.Printf("Replayed %d messages to %s\n", replayed, routingKey)
				return err
			})
		},
	}

	spillCmd.AddCommand(spillListCmd, spillReplayCmd)

	rootCmd.AddCommand(runCmd, dlqCmd, queueCmd, spillCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

// run consumes until ctx is cancelled, then drains and shuts down
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	handler := eventpipe.EventHandlerFunc(func(ctx context.Context, event *contracts.EventEnvelope) error {
		logger.InfoContext(ctx, "Event received",
			"eventId", event.EventID,
			"eventType", event.EventType,
			"routingKey", event.RoutingKey,
			"priority", event.Priority,
		)
		return nil
	})

	consumer, err := eventpipe.NewEventConsumer(cfg, handler, consumerOptions(cfg, logger)...)
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	registry := health.NewRegistry()
	registry.SetMetadata("version", version)
	consumer.RegisterHealth(registry)

	server := &http.Server{
		Addr:              cfg.Health.Addr,
		Handler:           health.NewRouter(registry, 5*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Health endpoint listening", "addr", cfg.Health.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err = <-serverErr:
		logger.Error("Health endpoint failed", "error", err)
	}

	// the grace period is applied by the consumer itself
	shutdownCtx := context.Background()
	var errs []error
	if serr := consumer.Shutdown(shutdownCtx); serr != nil {
		errs = append(errs, serr)
	}
	httpCtx, cancel := context.WithTimeout(shutdownCtx, 5*time.Second)
	defer cancel()
	if serr := server.Shutdown(httpCtx); serr != nil {
		errs = append(errs, fmt.Errorf("stop health endpoint: %w", serr))
	}
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func consumerOptions(cfg config.Config, logger *slog.Logger) []eventpipe.ConsumerOption {
	options := []eventpipe.ConsumerOption{eventpipe.WithLogger(logger)}
	if cfg.Pipeline.LogDeliveries {
		options = append(options, eventpipe.WithConsumerInterceptors(interceptors.NewLoggingInterceptor(logger)))
	}
	return options
}

type broker struct {
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
}

// withBroker opens a short-lived connection for an operator command
func withBroker(ctx context.Context, cfg config.Config, logger *slog.Logger, fn func(*broker) error) error {
	conn := rabbitmq.NewConnectionManager(cfg.Broker.URL,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithConnectionName(cfg.Broker.ConnectionName+"-cli"),
		rabbitmq.WithMaxRetries(1),
	)
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	pool, err := rabbitmq.NewChannelPool(conn, rabbitmq.WithChannelLogger(logger))
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(&broker{
		topology:  rabbitmq.NewTopologyManager(pool),
		publisher: rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(logger)),
	})
}

func replaySpilled(ctx context.Context, spill reliability.SpillLog, publisher reliability.Publisher, exchange, routingKey string) (int, error) {
	messages, err := spill.List(ctx, reliability.SpillFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list spilled messages: %w", err)
	}

	replayed := 0
	for _, m := range messages {
		if err := publisher.Publish(ctx, exchange, routingKey, spilledPublishing(m)); err != nil {
			return replayed, fmt.Errorf("failed to replay %s: %w", m.ID, err)
		}
		if err := spill.Delete(ctx, m.ID); err != nil {
			return replayed, fmt.Errorf("failed to remove %s from spill log: %w", m.ID, err)
		}
		replayed++
	}
	return replayed, nil
}
