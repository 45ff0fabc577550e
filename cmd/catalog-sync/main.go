package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	catalogsync "github.com/glimte/catalog-sync"
	"github.com/glimte/catalog-sync/catalog"
	"github.com/glimte/catalog-sync/health"
	"github.com/glimte/catalog-sync/interceptors"
	"github.com/glimte/catalog-sync/internal/rabbitmq"
	"github.com/glimte/catalog-sync/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		envFiles   []string
	)

	rootCmd := &cobra.Command{
		Use:   "catalog-sync",
		Short: "Keep the video catalog in sync with upstream model events",
		Long: `catalog-sync subscribes to the model.* events published on RabbitMQ and
applies them to the local catalog store.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Env files to load (defaults to .env when present)")

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync consumers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath, envFiles)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			repos, err := openRepositories(ctx, cfg.Store)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer repos.close()

			counters := interceptors.NewCounters()
			server, err := catalogsync.NewServer(cfg.Broker, repos.services(logger),
				catalogsync.WithLogger(logger),
				catalogsync.WithMetrics(counters))
			if err != nil {
				return err
			}
			defer server.Stop()

			if err := server.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("shutting down")
			logMetrics(logger, counters)
			return nil
		},
	}

	// Topology command
	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Declare the configured topology and every subscription queue, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath, envFiles)
			if err != nil {
				return err
			}

			subs, err := messaging.NewRegistry(messaging.WithRegistryLogger(logger)).
				Discover(memoryRepositories().services(logger)...)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Broker.Connection.ConnectTimeout+10*time.Second)
			defer cancel()

			cm := catalogsync.NewConnectionManager(cfg.Broker, logger)
			if err := cm.Connect(ctx); err != nil {
				return err
			}
			defer cm.Close()

			ch, err := cm.OpenChannel()
			if err != nil {
				return err
			}
			defer ch.Close()

			topology := cfg.Broker.Topology()
			if err := rabbitmq.DeclareTopology(ch, topology); err != nil {
				return err
			}
			fmt.Printf("Declared %d exchanges, %d queues, %d bindings\n",
				len(topology.Exchanges), len(topology.Queues), len(topology.Bindings))

			for _, sub := range subs {
				queue, err := messaging.Declare(ch, sub.Descriptor)
				if err != nil {
					return fmt.Errorf("subscription %s: %w", sub.Name, err)
				}
				fmt.Printf("Declared %s -> %s (%s)\n", sub.Descriptor.Exchange, queue, strings.Join(sub.Descriptor.RoutingKeys, ", "))
			}
			return nil
		},
	}

	// Subscriptions command
	subscriptionsCmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "List the subscriptions of every sync service",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadConfig(configPath, envFiles)
			if err != nil {
				return err
			}
			subs, err := messaging.NewRegistry(messaging.WithRegistryLogger(logger)).
				Discover(memoryRepositories().services(logger)...)
			if err != nil {
				return err
			}
			printSubscriptions(subs)
			return nil
		},
	}

	// Publish command
	var exchange string
	publishCmd := &cobra.Command{
		Use:   "publish <routing-key> <json-body>",
		Short: "Publish one model event, e.g. to replay a dead-lettered message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath, envFiles)
			if err != nil {
				return err
			}

			body := []byte(args[1])
			if !json.Valid(body) {
				return fmt.Errorf("body is not valid JSON")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Broker.Connection.ConnectTimeout+10*time.Second)
			defer cancel()

			cm := catalogsync.NewConnectionManager(cfg.Broker, logger)
			if err := cm.Connect(ctx); err != nil {
				return err
			}
			defer cm.Close()

			publisher := rabbitmq.NewPublisher(cm, rabbitmq.WithPublisherLogger(logger))
			defer publisher.Close()

			err = publisher.Publish(ctx, exchange, args[0], amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Body:         body,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Published %s to %s\n", args[0], exchange)
			return nil
		},
	}
	publishCmd.Flags().StringVarP(&exchange, "exchange", "e", catalog.Exchange, "Exchange to publish to")

	// Health command
	var timeout time.Duration
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check the broker and the store once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath, envFiles)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cm := catalogsync.NewConnectionManager(cfg.Broker, logger)
			checkers := []health.Checker{health.NewBrokerChecker(connectionStatus{cm})}
			if err := cm.Connect(ctx); err != nil {
				logger.Warn("broker unreachable", "error", err)
			}
			defer cm.Close()

			repos, err := openRepositories(ctx, cfg.Store)
			if err != nil {
				logger.Warn("store unreachable", "error", err)
			} else {
				defer repos.close()
				checkers = append(checkers, health.NewStoreChecker("store", repos.categories))
			}

			report := health.Run(ctx, timeout, checkers...)
			printHealth(report)
			if err != nil || !report.Healthy() {
				return fmt.Errorf("service is %s", report.Status)
			}
			return nil
		},
	}
	healthCmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Timeout for all checks")

	rootCmd.AddCommand(serveCmd, topologyCmd, subscriptionsCmd, publishCmd, healthCmd)
	return rootCmd
}

// connectionStatus reports a bare connection as a broker without consumers
type connectionStatus struct {
	cm *rabbitmq.ConnectionManager
}

func (s connectionStatus) Listening() bool {
	return s.cm.IsConnected()
}

func (s connectionStatus) Consumers() []messaging.ConsumerStatus {
	return nil
}

func printSubscriptions(subs []messaging.Subscription) {
	if len(subs) == 0 {
		fmt.Println("No subscriptions found")
		return
	}

	fmt.Printf("%-20s %-45s %-12s %s\n", "Name", "Queue", "Exchange", "Routing Keys")
	fmt.Println(strings.Repeat("-", 100))

	for _, sub := range subs {
		queue := sub.Descriptor.Queue
		if queue == "" {
			queue = "(broker-named)"
		}
		fmt.Printf("%-20s %-45s %-12s %s\n",
			truncate(sub.Name, 20),
			truncate(queue, 45),
			sub.Descriptor.Exchange,
			strings.Join(sub.Descriptor.RoutingKeys, ", "),
		)
	}
}

func printHealth(report health.Report) {
	fmt.Printf("Service Health: %s\n", report.Status)
	for _, check := range report.Checks {
		fmt.Printf("  %-10s %-10s %s", check.Name, check.Status, check.Message)
		if check.Error != "" {
			fmt.Printf(" (%s)", check.Error)
		}
		fmt.Println()
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
