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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"github.com/example/delivery-dispatch/internal/config"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/logging"
	"github.com/example/delivery-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_updates_total",
		Help: "Total successful geo index updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_errors_total",
		Help: "Total geo index update failures",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, geoUpdates, geoErrors)
}

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "dispatch-consumer",
	Short: "Projects driver locations from Kafka into the Redis geo index",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML or JSON config file")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	log := logging.NewLogger(cfg.LogLevel, "consumer")
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers must be set")
	}
	if cfg.Redis.Addr == "" {
		return errors.New("redis.addr must be set")
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	g := geo.NewRedisGeo(rc, cfg.Redis.GeoKey)

	go serveHealth(cfg.Consumer.MetricsAddr, rc, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.LocationsTopic,
		GroupID:  cfg.Consumer.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Info().Str("topic", cfg.Kafka.LocationsTopic).Strs("brokers", cfg.Kafka.Brokers).Str("group", cfg.Consumer.GroupID).Msg("consumer listening")

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("shutting down consumer")
				return nil
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("kafka read error")
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		handleMessage(ctx, g, m.Value, cfg.Consumer.Attempts, log)
	}
}

func serveHealth(addr string, rc *redis.Client, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	log.Info().Str("addr", addr).Msg("metrics/health listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}

// LocationWriter is the part of the geo index the consumer writes to.
type LocationWriter interface {
	Upsert(ctx context.Context, d models.Driver) error
}

func handleMessage(ctx context.Context, g LocationWriter, value []byte, attempts int, log zerolog.Logger) {
	msgsConsumed.Inc()
	var msg ingest.LocationMessage
	if err := json.Unmarshal(value, &msg); err != nil || msg.DriverID == "" {
		msgsInvalid.Inc()
		log.Warn().Err(err).Msg("invalid location message")
		return
	}
	d := models.Driver{
		ID:        msg.DriverID,
		Loc:       models.Coord{Lat: msg.Lat, Lon: msg.Lon},
		Online:    msg.Online,
		Available: msg.Available,
		Updated:   msg.At,
	}
	if err := upsertWithRetry(ctx, g, d, attempts, 200*time.Millisecond); err != nil {
		geoErrors.Inc()
		log.Error().Err(err).Str("driver_id", d.ID).Msg("geo update failed")
		return
	}
	geoUpdates.Inc()
}

// upsertWithRetry doubles delay after every failed attempt.
func upsertWithRetry(ctx context.Context, g LocationWriter, d models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = g.Upsert(ctx, d); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
