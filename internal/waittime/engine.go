package waittime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

var tracer = otel.Tracer("clinic-queue-platform/internal/waittime")

const (
	DefaultConsultationMinutes = 15
	DefaultCacheTTL            = time.Hour

	historyWindow    = 30 * 24 * time.Hour
	minSamples       = 5
	minPlausibleMins = 5.0
	maxPlausibleMins = 60.0
)

// History is the slice of the appointment store the engine reads.
type History interface {
	ListCompletedSince(ctx context.Context, doctorID uuid.UUID, since time.Time) ([]*appointments.Appointment, error)
}

// Defaults supplies a doctor's configured consultation length.
type Defaults interface {
	DefaultConsultationMinutes(ctx context.Context, doctorID uuid.UUID) (int, bool)
}

// StaticDefaults is a fixed per-doctor table.
type StaticDefaults map[uuid.UUID]int

func (d StaticDefaults) DefaultConsultationMinutes(_ context.Context, doctorID uuid.UUID) (int, bool) {
	m, ok := d[doctorID]
	return m, ok && m > 0
}

// Engine computes per-doctor duration stats behind a TTL cache.
type Engine struct {
	history  History
	cache    Cache
	defaults Defaults
	ttl      time.Duration
	group    singleflight.Group
	logger   *logging.Logger
	now      func() time.Time
}

func NewEngine(history History, cache Cache, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Engine{
		history: history,
		cache:   cache,
		ttl:     DefaultCacheTTL,
		logger:  logger.Component("waittime"),
		now:     time.Now,
	}
}

func (e *Engine) WithDefaults(d Defaults) *Engine {
	e.defaults = d
	return e
}

// WithTTL bounds how stale a cached average may get.
func (e *Engine) WithTTL(ttl time.Duration) *Engine {
	if ttl > 0 {
		e.ttl = ttl
	}
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// DoctorStats returns the trailing 30-day average consultation length.
// Concurrent cache misses for one doctor share a single history load.
func (e *Engine) DoctorStats(ctx context.Context, doctorID uuid.UUID) (Stats, error) {
	ctx, span := tracer.Start(ctx, "waittime.doctor_stats")
	defer span.End()
	span.SetAttributes(attribute.String("doctor.id", doctorID.String()))

	if cached, ok := e.cached(ctx, doctorID); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}

	v, err, shared := e.group.Do(doctorID.String(), func() (any, error) {
		// A caller that just finished may have filled the cache.
		if cached, ok := e.cached(ctx, doctorID); ok {
			return cached, nil
		}
		now := e.now()
		completed, err := e.history.ListCompletedSince(ctx, doctorID, now.Add(-historyWindow))
		if err != nil {
			return Stats{}, fmt.Errorf("waittime: load history: %w", err)
		}
		stats := e.summarize(ctx, doctorID, completed, false)
		stats.ComputedAt = now

		if err := e.cache.Set(ctx, doctorID, stats, e.ttl); err != nil {
			e.logger.Warn("duration cache write failed", "doctor_id", doctorID, "error", err)
		}
		return stats, nil
	})
	if err != nil {
		span.RecordError(err)
		return Stats{}, err
	}
	stats := v.(Stats)
	span.SetAttributes(attribute.Int("stats.samples", stats.SampleSize), attribute.Bool("singleflight.shared", shared))
	return stats, nil
}

func (e *Engine) cached(ctx context.Context, doctorID uuid.UUID) (Stats, bool) {
	cached, ok, err := e.cache.Get(ctx, doctorID)
	if err != nil {
		e.logger.Warn("duration cache read failed", "doctor_id", doctorID, "error", err)
		return Stats{}, false
	}
	if !ok || e.now().Sub(cached.ComputedAt) >= e.ttl {
		return Stats{}, false
	}
	return cached, true
}

// Stats prefers today's consultations once there are enough of them and
// otherwise falls back to DoctorStats. Same-day stats are not cached.
func (e *Engine) Stats(ctx context.Context, doctorID uuid.UUID, dayStart time.Time) (Stats, error) {
	today, err := e.history.ListCompletedSince(ctx, doctorID, dayStart)
	if err != nil {
		return Stats{}, fmt.Errorf("waittime: load today: %w", err)
	}
	if stats := e.summarize(ctx, doctorID, today, true); !stats.FromDefault {
		stats.ComputedAt = e.now()
		return stats, nil
	}
	return e.DoctorStats(ctx, doctorID)
}

func (e *Engine) summarize(ctx context.Context, doctorID uuid.UUID, completed []*appointments.Appointment, sameDay bool) Stats {
	var total float64
	var n int
	for _, a := range completed {
		if a.ConsultationStartedAt == nil || a.ConsultationEndedAt == nil {
			continue
		}
		mins := a.ConsultationEndedAt.Sub(*a.ConsultationStartedAt).Minutes()
		if mins < minPlausibleMins || mins > maxPlausibleMins {
			continue
		}
		total += mins
		n++
	}
	if n < minSamples {
		return Stats{
			AverageMinutes: float64(e.defaultMinutes(ctx, doctorID)),
			SampleSize:     n,
			SameDay:        sameDay,
			FromDefault:    true,
		}
	}
	return Stats{AverageMinutes: total / float64(n), SampleSize: n, SameDay: sameDay}
}

func (e *Engine) defaultMinutes(ctx context.Context, doctorID uuid.UUID) int {
	if e.defaults != nil {
		if m, ok := e.defaults.DefaultConsultationMinutes(ctx, doctorID); ok {
			return m
		}
	}
	return DefaultConsultationMinutes
}

// Invalidate drops a doctor's cached average, e.g. after a consultation ends.
func (e *Engine) Invalidate(ctx context.Context, doctorID uuid.UUID) {
	if err := e.cache.Delete(ctx, doctorID); err != nil {
		e.logger.Warn("duration cache delete failed", "doctor_id", doctorID, "error", err)
	}
}
