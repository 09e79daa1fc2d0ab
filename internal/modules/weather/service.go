// README: Weather service turns pickup conditions into a fare multiplier.
package weather

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"rideflow/internal/apperr"
	"rideflow/internal/config"
	"rideflow/internal/logging"
	"rideflow/internal/observability"
	"rideflow/internal/types"
)

type conditionSource interface {
	Condition(ctx context.Context, p types.Point) (string, error)
}

type Service struct {
	source      conditionSource
	shared      Cache
	local       *MemoryCache
	ttl         time.Duration
	multipliers map[string]float64
	log         logrus.FieldLogger
}

// NewService builds the lookup. Without an API key every lookup returns 1.0. shared may
// be nil, in which case only the in-process cache is used.
func NewService(cfg config.WeatherConfig, shared Cache, log logrus.FieldLogger) *Service {
	var src conditionSource
	if cfg.APIKey != "" {
		src = NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	}
	return newService(src, shared, cfg, log)
}

func newService(src conditionSource, shared Cache, cfg config.WeatherConfig, log logrus.FieldLogger) *Service {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{
		source:      src,
		shared:      shared,
		local:       NewMemoryCache(),
		ttl:         ttl,
		multipliers: cfg.Multipliers,
		log:         logging.OrDiscard(log),
	}
}

// Multiplier returns 1.0 for clear or unknown conditions. On provider failure it
// returns 1.0 together with an upstream error so callers can log and continue.
func (s *Service) Multiplier(ctx context.Context, p types.Point) (float64, error) {
	if s.source == nil {
		observability.WeatherLookups.WithLabelValues("disabled").Inc()
		return 1.0, nil
	}
	key := keyFor(p)
	if v, ok, _ := s.local.Get(ctx, key); ok {
		observability.WeatherLookups.WithLabelValues("local").Inc()
		return v, nil
	}
	if s.shared != nil {
		v, ok, err := s.shared.Get(ctx, key)
		if err != nil {
			s.log.WithError(err).Warn("weather cache read failed")
		}
		if ok {
			_ = s.local.Set(ctx, key, v, s.ttl)
			observability.WeatherLookups.WithLabelValues("shared").Inc()
			return v, nil
		}
	}

	cond, err := s.source.Condition(ctx, p)
	if err != nil {
		observability.WeatherLookups.WithLabelValues("error").Inc()
		return 1.0, apperr.Wrap(apperr.ErrUpstream, "weather_failed", err)
	}
	m := 1.0
	if v, ok := s.multipliers[cond]; ok && v > 0 {
		m = v
	}
	observability.WeatherLookups.WithLabelValues("api").Inc()

	_ = s.local.Set(ctx, key, m, s.ttl)
	if s.shared != nil {
		if err := s.shared.Set(ctx, key, m, s.ttl); err != nil {
			s.log.WithError(err).Warn("weather cache write failed")
		}
	}
	s.log.WithFields(logrus.Fields{"condition": cond, "multiplier": m}).Debug("weather resolved")
	return m, nil
}
