package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/alert-dispatch/internal/models"
	"github.com/example/alert-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pings_consumed_total",
		Help: "Total responder location pings consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pings_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis geo updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total responder store write errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors, storeErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "responder-locations"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "alert-dispatch-consumer"
	}
	geoKey := os.Getenv("REDIS_GEO_KEY")
	if geoKey == "" {
		geoKey = "responders_geo"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	radapter := &redisAdapter{c: rc}

	// the responder store is the matcher's source of truth for lastPing,
	// vehicle and isActive; fold pings into it when Postgres is configured
	var pings PingStore
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		ps, err := storage.NewPostgresStore(dsn)
		if err != nil {
			log.Printf("postgres unavailable, updating geo index only: %v", err)
		} else {
			defer ps.Close()
			pings = storage.NewPostgresResponderStore(ps)
		}
	}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var p models.ResponderPing
		if err := json.Unmarshal(m.Value, &p); err != nil || p.ResponderID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}
		if err := p.Coord.Validate(); err != nil {
			msgsInvalid.Inc()
			log.Printf("invalid coordinates for responder=%s: %v", p.ResponderID, err)
			continue
		}
		if p.PingedAt.IsZero() {
			p.PingedAt = time.Now()
		}

		if err := updateGeoWithRetry(ctx, radapter, geoKey, &p, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Printf("redis update failed for responder=%s: %v", p.ResponderID, err)
			continue
		}
		redisUpdates.Inc()

		if pings != nil {
			if err := pings.RecordPing(ctx, &p); err != nil {
				storeErrors.Inc()
				log.Printf("store write failed for responder=%s: %v", p.ResponderID, err)
			}
		}
	}
}

// GeoUpdater is the one redis operation the pipeline needs, split out so
// tests can fake it.
type GeoUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
}

// PingStore folds heartbeats into responder rows without touching status or
// assignment.
type PingStore interface {
	RecordPing(ctx context.Context, p *models.ResponderPing) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

// updateGeoWithRetry writes the responder's geo point with retry/backoff.
func updateGeoWithRetry(ctx context.Context, rc GeoUpdater, geoKey string, p *models.ResponderPing, attempts int, delay time.Duration) error {
	var last error
	for i := 0; i < attempts; i++ {
		err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: p.Coord.Lon, Latitude: p.Coord.Lat, Name: p.ResponderID})
		if err == nil {
			return nil
		}
		last = err
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return last
}
