// Package reconcile keeps a user's timeline pins in step with their torrents.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"torrent_pins/internal/classify"
	"torrent_pins/internal/model"
	"torrent_pins/internal/pin"
	"torrent_pins/internal/timeline"
)

var (
	pinActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinsync_pin_actions_total",
		Help: "Timeline calls made while reconciling, by action and outcome.",
	}, []string{"action", "status"})

	pinsCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinsync_pins_collected_total",
		Help: "Pin records removed because their torrent disappeared.",
	})

	accountsInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinsync_accounts_invalidated_total",
		Help: "Accounts deleted after the timeline reported the user gone.",
	})
)

// Store is the persistence the engine needs for one user's pins.
type Store interface {
	ListPins(ctx context.Context, userToken string) (map[string]model.PinRecord, error)
	SavePin(ctx context.Context, userToken, hash string, rec model.PinRecord) error
	DeletePin(ctx context.Context, userToken, hash string) error
	UpdatePins(ctx context.Context, userToken string, pins map[string]model.PinRecord) error
	DeleteUser(ctx context.Context, token string) error
}

// Gateway sends and deletes pins on a user's timeline.
type Gateway interface {
	Send(ctx context.Context, userToken string, p pin.Pin) timeline.Outcome
	Delete(ctx context.Context, userToken, pinID string) timeline.Outcome
}

// Result summarises one reconciliation.
type Result struct {
	Sent        int
	Deleted     int
	Collected   int
	Failed      int
	RateLimited bool // remaining torrents were skipped until next cycle
	Invalidated bool // the account was deleted
}

type verdict int

const (
	proceed verdict = iota
	abort
	invalidate
)

// Engine reconciles one user at a time. A single Engine may serve many
// users concurrently as long as each user is reconciled by one goroutine.
type Engine struct {
	store   Store
	gateway Gateway
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
}

// New creates an Engine.
func New(store Store, gateway Gateway, log *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		gateway: gateway,
		log:     log,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SetClock overrides the time source used for classification and pin times.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Reconcile brings the user's pins in line with torrents, the list the
// user's endpoint returned this cycle. Pin records missing from torrents are
// garbage collected unless the run was cut short.
func (e *Engine) Reconcile(ctx context.Context, user model.User, torrents []model.Torrent) (Result, error) {
	var res Result

	pins, err := e.store.ListPins(ctx, user.Token)
	if err != nil {
		return res, fmt.Errorf("load pins: %w", err)
	}

	r := &run{
		store:   e.store,
		gateway: e.gateway,
		user:    user,
		pins:    pins,
		log:     e.log.With("user", user.Token),
		now:     e.now(),
		res:     &res,
	}

	seen := make(map[string]struct{}, len(torrents))
	for _, t := range torrents {
		seen[t.Hash] = struct{}{}

		rec, ok := r.pins[t.Hash]
		if !ok {
			rec = model.PinRecord{PinID: e.newID(), Pending: true}
			if err := e.store.SavePin(ctx, user.Token, t.Hash, rec); err != nil {
				// Never send under an id that is not persisted, or the next cycle would mint another.
				r.log.Error("save new pin", "hash", t.Hash, "error", err)
				res.Failed++
				continue
			}
			r.pins[t.Hash] = rec
		}

		switch r.apply(ctx, t, rec) {
		case abort:
			res.RateLimited = true
			return res, r.resync(ctx)
		case invalidate:
			r.invalidate(ctx)
			return res, nil
		}
	}

	if r.collect(ctx, seen) == invalidate {
		r.invalidate(ctx)
		return res, nil
	}

	return res, r.resync(ctx)
}

// resync rewrites the stored set when an incremental write failed during the run.
func (r *run) resync(ctx context.Context) error {
	if !r.dirty {
		return nil
	}
	if err := r.store.UpdatePins(ctx, r.user.Token, r.pins); err != nil {
		return fmt.Errorf("resync pins: %w", err)
	}
	return nil
}

// run holds the state of one user's reconciliation.
type run struct {
	store   Store
	gateway Gateway
	user    model.User
	pins    map[string]model.PinRecord
	log     *slog.Logger
	now     time.Time
	res     *Result
	dirty   bool // an incremental write failed; the stored set needs a resync
}

func (r *run) apply(ctx context.Context, t model.Torrent, rec model.PinRecord) verdict {
	action := classify.Torrent(t, r.now)
	log := r.log.With("hash", t.Hash, "name", t.Name, "action", string(action))

	switch action {
	case classify.ActionPut:
		out := r.gateway.Send(ctx, r.user.Token, pin.Build(t, rec.PinID, r.now))
		r.record(action, out)
		switch out.Status {
		case timeline.Success:
			log.Debug("sent pin", "pin_id", rec.PinID)
			r.res.Sent++
		case timeline.PermanentlyInvalid:
			return invalidate
		default:
			log.Warn("send pin failed", "status", out.Status.String(), "detail", out.Detail)
			r.res.Failed++
		}

	case classify.ActionDelete:
		out := r.gateway.Delete(ctx, r.user.Token, rec.PinID)
		r.record(action, out)
		switch out.Status {
		case timeline.Success:
			log.Debug("deleted pin", "pin_id", rec.PinID)
			r.res.Deleted++
			r.forget(ctx, t.Hash)
		case timeline.PermanentlyInvalid:
			return invalidate
		case timeline.RateLimited:
			log.Warn("rate limit exceeded")
			return abort
		default:
			log.Warn("delete pin failed", "status", out.Status.String(), "detail", out.Detail)
			r.res.Failed++
		}

	case classify.ActionShowable:
		if !rec.Pending {
			log.Debug("pin already sent")
			return proceed
		}
		out := r.gateway.Send(ctx, r.user.Token, pin.Build(t, rec.PinID, r.now))
		r.record(action, out)
		switch out.Status {
		case timeline.Success:
			log.Debug("sent completion pin", "pin_id", rec.PinID)
			r.res.Sent++
			rec.Pending = false
			r.pins[t.Hash] = rec
			if err := r.store.SavePin(ctx, r.user.Token, t.Hash, rec); err != nil {
				log.Error("mark pin delivered", "error", err)
				r.dirty = true
			}
		case timeline.PermanentlyInvalid:
			return invalidate
		default:
			log.Warn("send pin failed", "status", out.Status.String(), "detail", out.Detail)
			r.res.Failed++
		}

	case classify.ActionNotShowable:
		log.Debug("pin not showable")
	}
	return proceed
}

// collect deletes pins whose torrent is no longer reported by the endpoint.
// Records are dropped whatever the remote outcome, since the torrent is gone.
func (r *run) collect(ctx context.Context, seen map[string]struct{}) verdict {
	for hash, rec := range r.pins {
		if _, ok := seen[hash]; ok {
			continue
		}
		out := r.gateway.Delete(ctx, r.user.Token, rec.PinID)
		r.record("collect", out)
		if out.Status == timeline.PermanentlyInvalid {
			return invalidate
		}
		if !out.OK() {
			r.log.Warn("delete orphaned pin failed", "hash", hash, "pin_id", rec.PinID,
				"status", out.Status.String(), "detail", out.Detail)
		}
		r.forget(ctx, hash)
		r.res.Collected++
		pinsCollected.Inc()
	}
	return proceed
}

func (r *run) forget(ctx context.Context, hash string) {
	delete(r.pins, hash)
	if err := r.store.DeletePin(ctx, r.user.Token, hash); err != nil {
		r.log.Error("delete pin record", "hash", hash, "error", err)
		r.dirty = true
	}
}

func (r *run) invalidate(ctx context.Context) {
	r.log.Info("user invalid, removing it from database")
	r.res.Invalidated = true
	accountsInvalidated.Inc()
	if err := r.store.DeleteUser(ctx, r.user.Token); err != nil {
		r.log.Error("delete invalid user", "error", err)
	}
}

func (r *run) record(action classify.Action, out timeline.Outcome) {
	pinActions.WithLabelValues(string(action), out.Status.String()).Inc()
}
