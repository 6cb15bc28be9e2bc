// Package scheduler runs reconciliation cycles across all registered users.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"torrent_pins/internal/model"
	"torrent_pins/internal/reconcile"
	"torrent_pins/internal/transmission"
)

var (
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pinsync_cycle_duration_seconds",
		Help:    "Duration of a full reconciliation cycle.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinsync_cycles_total",
		Help: "Completed reconciliation cycles.",
	})

	fetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinsync_fetch_errors_total",
		Help: "Failed torrent fetches by kind.",
	}, []string{"kind"})
)

// Users lists the accounts to reconcile.
type Users interface {
	ListUsers(ctx context.Context) ([]model.User, error)
}

// Fetcher returns the torrents of one user's endpoint.
type Fetcher interface {
	FetchTorrents(ctx context.Context, user model.User) ([]model.Torrent, error)
}

// Reconciler syncs one user's pins with a fetched torrent list.
type Reconciler interface {
	Reconcile(ctx context.Context, user model.User, torrents []model.Torrent) (reconcile.Result, error)
}

// Stats summarises one cycle.
type Stats struct {
	Users       int
	Reconciled  int
	FetchFailed int
	Failed      int
	RateLimited int
	Invalidated int
}

// Scheduler triggers reconciliation cycles on a fixed interval.
type Scheduler struct {
	users   Users
	fetcher Fetcher
	engine  Reconciler
	log     *slog.Logger
	tick    time.Duration
	workers int

	running sync.Mutex
}

// New creates a Scheduler that reconciles at most workers users at once.
func New(users Users, fetcher Fetcher, engine Reconciler, workers int, log *slog.Logger) *Scheduler {
	return &Scheduler{
		users:   users,
		fetcher: fetcher,
		engine:  engine,
		log:     log,
		tick:    2 * time.Minute,
		workers: workers,
	}
}

// SetTickInterval overrides the default 2-minute cycle interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Run runs a cycle immediately and then on every tick, blocking until ctx is
// cancelled. Cycles run inline, so a slow cycle delays the next one instead
// of overlapping it.
func (s *Scheduler) Run(ctx context.Context) {
	s.RunCycle(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle reconciles every registered user once and waits for all of them.
// A call made while another cycle is still running is skipped.
func (s *Scheduler) RunCycle(ctx context.Context) Stats {
	var stats Stats
	if !s.running.TryLock() {
		s.log.Warn("previous cycle still running, skipping")
		return stats
	}
	defer s.running.Unlock()

	start := time.Now()

	users, err := s.users.ListUsers(ctx)
	if err != nil {
		s.log.Error("list users", "error", err)
		return stats
	}
	stats.Users = len(users)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.workers)

	for _, user := range users {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// A started user runs to completion even if shutdown begins.
			res, fetched, err := s.processUser(context.WithoutCancel(ctx), user)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case !fetched:
				stats.FetchFailed++
			case err != nil:
				stats.Failed++
			default:
				stats.Reconciled++
			}
			if res.RateLimited {
				stats.RateLimited++
			}
			if res.Invalidated {
				stats.Invalidated++
			}
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	cycleDuration.Observe(elapsed.Seconds())
	cyclesTotal.Inc()

	s.log.Info("cycle finished",
		"users", stats.Users,
		"reconciled", stats.Reconciled,
		"fetch_failed", stats.FetchFailed,
		"failed", stats.Failed,
		"rate_limited", stats.RateLimited,
		"invalidated", stats.Invalidated,
		"duration", elapsed.Round(time.Millisecond).String(),
	)
	return stats
}

func (s *Scheduler) processUser(ctx context.Context, user model.User) (reconcile.Result, bool, error) {
	log := s.log.With("user", user.Token, "url", user.URL)
	log.Debug("checking user")

	torrents, err := s.fetcher.FetchTorrents(ctx, user)
	if err != nil {
		kind := "other"
		switch {
		case errors.Is(err, transmission.ErrUnreachable):
			kind = "unreachable"
			log.Warn("endpoint not reachable", "error", err)
		case errors.Is(err, transmission.ErrProtocol):
			kind = "protocol"
			log.Error("endpoint protocol error", "error", err)
		default:
			log.Error("fetch torrents", "error", err)
		}
		fetchErrors.WithLabelValues(kind).Inc()
		return reconcile.Result{}, false, err
	}

	res, err := s.engine.Reconcile(ctx, user, torrents)
	if err != nil {
		log.Error("reconcile", "error", err)
		return res, true, err
	}

	if res.Sent > 0 || res.Deleted > 0 || res.Collected > 0 {
		log.Info("reconciled",
			"torrents", len(torrents),
			"sent", res.Sent,
			"deleted", res.Deleted,
			"collected", res.Collected,
		)
	}
	return res, true, nil
}
