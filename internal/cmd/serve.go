package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manpreetbhatti/arena/internal/analysis"
	"github.com/manpreetbhatti/arena/internal/api"
	"github.com/manpreetbhatti/arena/internal/config"
	"github.com/manpreetbhatti/arena/internal/coordinator"
	"github.com/manpreetbhatti/arena/internal/db"
	"github.com/manpreetbhatti/arena/internal/logging"
	"github.com/manpreetbhatti/arena/internal/publish"
	"github.com/manpreetbhatti/arena/internal/retention"
	"github.com/manpreetbhatti/arena/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the debate server",
	Long: `Start the WebSocket debate server and its HTTP API.

Endpoints:
  - WebSocket: /ws?userId={participant}
  - Health:    GET /health
  - Stats:     GET /api/stats
  - Debates:   GET /api/debates?limit=&offset=
  - Debate:    GET /api/debates/{id}`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "listen port (overrides server.port)")
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	rootCmd.AddCommand(serveCmd)

	// Bare "arena" serves too, so it takes the same flags.
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
}

// app is every long-lived component of a running server.
type app struct {
	cfg       *config.Config
	log       *logging.Logger
	hub       *ws.Hub
	coord     *coordinator.Coordinator
	socket    *ws.Server
	database  *db.Database
	pruner    *retention.Service
	publisher *publish.Publisher
	http      *http.Server
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	config.Watch(func(next *config.Config) {
		a.log.SetLevel(next.Logging.Level)
		a.log.Info("config reloaded", "level", next.Logging.Level)
	}, func(err error) {
		a.log.Warn("ignoring invalid config change", "error", err)
	})

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("arena server starting", "port", cfg.Server.Port, "archive", cfg.Archive.Enabled, "kafka", cfg.Kafka.Enabled)
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		a.log.Info("shutting down server", "signal", sig.String())
	case err, ok := <-errCh:
		if ok {
			a.close(context.Background())
			return fmt.Errorf("listen: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	return a.close(ctx)
}

func newApp(cfg *config.Config) (*app, error) {
	log, err := logging.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	var sinks []coordinator.ResultSink

	if cfg.Archive.Enabled {
		a.database, err = db.New(cfg.Archive.Path)
		if err != nil {
			log.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		sinks = append(sinks, a.database)

		a.pruner = retention.New(a.database, retention.Config{
			Interval:   cfg.Archive.PruneInterval(),
			MaxAge:     cfg.Archive.MaxAge(),
			MaxDebates: cfg.Archive.MaxDebates,
		}, log)
	}

	if cfg.Kafka.Enabled {
		a.publisher, err = publish.NewPublisher(kafkaConfig(cfg.Kafka), log)
		if err != nil {
			a.closeStores()
			return nil, err
		}
		sinks = append(sinks, a.publisher)
	}

	ai := analysis.NewClient(cfg.Analysis.AnalysisURL, cfg.Analysis.ScoringURL, cfg.Analysis.Timeout())

	a.hub = ws.NewHub(log)
	go a.hub.Run()

	a.coord = coordinator.New(coordinator.Config{
		TurnDuration:    cfg.Debate.TurnDuration(),
		DebateDuration:  cfg.Debate.DebateDuration(),
		FinalizeGrace:   cfg.Debate.FinalizeGrace(),
		DisconnectGrace: cfg.Debate.DisconnectGrace(),
		ScoringTimeout:  cfg.Analysis.ScoringTimeout(),
	}, ai, ai, a.hub, coordinator.WithLogger(log), coordinator.WithSinks(sinks...))

	a.socket = ws.NewServer(a.hub, a.coord, ws.Policy{
		EnforceTurns:      cfg.Debate.EnforceTurns,
		MaxMessageLength:  cfg.Debate.MaxMessageLength,
		MaxTopicLength:    cfg.Debate.MaxTopicLength,
		MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
		MessageBurst:      cfg.RateLimit.Burst,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, log)

	var archive api.Archive
	if a.database != nil {
		archive = a.database
	}
	handlers := api.New(a.coord, a.hub, archive, log)

	a.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handlers.Routes(a.socket, cfg.Server.AllowedOrigins),
	}

	if a.pruner != nil {
		a.pruner.Start()
	}
	return a, nil
}

func kafkaConfig(k config.KafkaConfig) publish.Config {
	return publish.Config{
		Brokers:  k.Brokers,
		Topic:    k.Topic,
		ClientID: k.ClientID,
		SASL: publish.SASLConfig{
			Mechanism: k.SASLMechanism,
			Username:  k.SASLUsername,
			Password:  k.SASLPassword,
		},
		TLS: k.TLS,
	}
}

// close stops intake first, then finalizes live rooms so their results
// reach the sinks before the sinks are closed.
func (a *app) close(ctx context.Context) error {
	var errs []error

	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.coord.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator shutdown: %w", err))
	}
	a.socket.Close()
	a.socket.Wait()
	a.hub.Stop()

	if a.pruner != nil {
		a.pruner.Stop()
	}
	a.closeStores()

	a.log.Info("server stopped")
	a.log.Close()
	return errors.Join(errs...)
}

func (a *app) closeStores() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			a.log.Warn("failed to close database", "error", err)
		}
	}
}
