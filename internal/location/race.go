package location

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/idanyas/geofix/internal/data"
	"github.com/idanyas/geofix/internal/telemetry"
)

// IPLocator races IP-geolocation providers and keeps the most precise answer.
type IPLocator struct {
	Client     *http.Client
	Providers  []ProviderConfig
	Normalizer *Normalizer
	Now        func() time.Time
}

type raceEntry struct {
	provider string
	est      Estimate
	err      error
}

// Locate queries every provider concurrently, each under its own timeout.
// Providers that fail, time out or return nothing usable are left out. The
// entry with the lowest accuracy wins, ties going to whichever answered
// first; coordinates are never averaged across providers. Every error
// returned is a *data.Failure, including when ctx ends first.
func (l *IPLocator) Locate(ctx context.Context) (data.Fix, error) {
	if len(l.Providers) == 0 {
		return data.Fix{}, &data.Failure{Reason: data.ErrNoProviderSucceeded, Message: "no providers configured"}
	}

	start := time.Now()
	defer func() { telemetry.RaceDuration.Observe(time.Since(start).Seconds()) }()

	// Buffered so late providers never block once the race is decided.
	results := make(chan raceEntry, len(l.Providers))
	for _, p := range l.Providers {
		go func(p ProviderConfig) {
			pctx, cancel := context.WithTimeout(ctx, p.timeout())
			defer cancel()
			est, err := l.query(pctx, p)
			results <- raceEntry{provider: p.Name, est: est, err: err}
		}(p)
	}

	var best *raceEntry
	for range l.Providers {
		select {
		case r := <-results:
			if r.err != nil {
				slog.Debug("IP provider excluded", "provider", r.provider, "error", r.err)
				continue
			}
			if best == nil || r.est.AccuracyMeters < best.est.AccuracyMeters {
				best = &r
			}
		case <-ctx.Done():
			return data.Fix{}, &data.Failure{Reason: data.ErrNoProviderSucceeded, Cause: ctx.Err()}
		}
	}

	if best == nil {
		return data.Fix{}, &data.Failure{Reason: data.ErrNoProviderSucceeded}
	}
	slog.Debug("IP race decided", "provider", best.provider, "accuracy_m", best.est.AccuracyMeters, "shape", best.est.Shape)

	return data.Fix{
		Latitude:       best.est.Latitude,
		Longitude:      best.est.Longitude,
		Source:         data.SourceIP,
		AccuracyMeters: data.Meters(best.est.AccuracyMeters),
		Estimated:      best.est.Estimated,
		AcquiredAt:     l.now(),
	}, nil
}

func (l *IPLocator) query(ctx context.Context, p ProviderConfig) (Estimate, error) {
	body, err := fetch(ctx, l.Client, p.URL)
	if err != nil {
		result := "error"
		if ctx.Err() != nil {
			result = "timeout"
		}
		telemetry.ProviderResults.WithLabelValues(p.Name, result).Inc()
		return Estimate{}, err
	}

	n := l.Normalizer
	if n == nil {
		n = &Normalizer{}
	}
	est, ok := n.Normalize(ctx, body)
	if !ok {
		telemetry.ProviderResults.WithLabelValues(p.Name, "unusable").Inc()
		return Estimate{}, fmt.Errorf("%s: no usable location in response", p.Name)
	}
	telemetry.ProviderResults.WithLabelValues(p.Name, "ok").Inc()
	return est, nil
}

func (l *IPLocator) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}
