package httpapi

import (
	"context"
	"io"
	"log/slog"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

// NewServerFromConfig wires the matching server from cfg, falling back to
// in-memory parts for anything left unconfigured. The returned closers
// release external connections on shutdown.
func NewServerFromConfig(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Server, []io.Closer, error) {
	var closers []io.Closer
	checks := map[string]Pinger{}

	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, logger)
		ggeo = rg
		closers = append(closers, rg)
		checks["redis"] = rg
	} else {
		idx := geo.NewIndex()
		idx.Radius = geo.DefaultRadiusMeters
		ggeo = idx
	}

	var store storage.TripStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable, using memory store", "error", err)
		} else {
			if cfg.RunMigrations {
				if err := ps.Migrate(ctx); err != nil {
					ps.Close()
					return nil, closers, err
				}
				logger.Info("migrations applied")
			}
			store = ps
			closers = append(closers, ps)
			checks["postgres"] = ps
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	m := &matcher.Service{
		Geo:             ggeo,
		Store:           store,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		TopN:            cfg.MatcherTopN,
		ETACache:        eta.NewCache(cfg.ETACacheTTL),
		OfferTimeout:    cfg.OfferTimeout,
		CancellationFee: cfg.CancellationFee,
		Currency:        cfg.Currency,
		Logger:          logger.With("component", "matcher"),
	}
	fares := &eta.Estimator{SpeedMps: cfg.DefaultSpeedMps}
	switch {
	case cfg.OSRMEndpoint != "":
		oc := eta.NewOSRMClient(cfg.OSRMEndpoint)
		m.ETAClient, fares.Router = oc, oc
	case cfg.GoogleMapsAPIKey != "":
		gc, err := eta.NewGoogleMapsClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, closers, err
		}
		m.ETAClient, fares.Router = gc, gc
	}
	m.Fares = fares

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		m.Locations = kp
		closers = append(closers, kp)
	}
	if cfg.StripeKey != "" {
		m.Payments = payments.NewStripeClient(cfg.StripeKey)
	}

	hub := NewHub(logger)
	if cfg.JWTSecret != "" {
		hub.Verifier = auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
	}
	m.Notify = hub
	if cfg.PushEndpoint != "" {
		m.Notify = NewPushFallback(hub, cfg.PushEndpoint, cfg.PushKey, logger)
	}
	s := NewServer(m, hub, logger)
	s.Checks = checks
	return s, closers, nil
}
