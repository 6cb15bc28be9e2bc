package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"torrent_pins/internal/model"
	"torrent_pins/internal/pin"
	"torrent_pins/internal/storage"
	"torrent_pins/internal/timeline"
)

type gatewayCall struct {
	Method string
	Token  string
	PinID  string
}

type fakeGateway struct {
	mu     sync.Mutex
	calls  []gatewayCall
	sent   []pin.Pin
	status func(method, pinID string) timeline.Status
}

func (g *fakeGateway) Send(_ context.Context, userToken string, p pin.Pin) timeline.Outcome {
	return g.do(http.MethodPut, userToken, p.ID, &p)
}

func (g *fakeGateway) Delete(_ context.Context, userToken, pinID string) timeline.Outcome {
	return g.do(http.MethodDelete, userToken, pinID, nil)
}

func (g *fakeGateway) do(method, token, pinID string, p *pin.Pin) timeline.Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{Method: method, Token: token, PinID: pinID})
	if p != nil {
		g.sent = append(g.sent, *p)
	}
	st := timeline.Success
	if g.status != nil {
		st = g.status(method, pinID)
	}
	if st == timeline.Success {
		return timeline.Outcome{Status: st}
	}
	return timeline.Outcome{Status: st, Detail: "scripted"}
}

func (g *fakeGateway) getCalls() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]gatewayCall, len(g.calls))
	copy(cp, g.calls)
	return cp
}

func (g *fakeGateway) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
	g.sent = nil
}

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

var testUser = model.User{Token: "user-1", URL: "http://nas/rpc"}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	u := testUser
	if err := s.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return s
}

func newTestEngine(store Store, gw Gateway) *Engine {
	e := New(store, gw, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.SetClock(func() time.Time { return testNow })
	n := 0
	e.newID = func() string {
		n++
		return fmt.Sprintf("pin-%d", n)
	}
	return e
}

func listPins(t *testing.T, s *storage.SQLite) map[string]model.PinRecord {
	t.Helper()
	pins, err := s.ListPins(context.Background(), testUser.Token)
	if err != nil {
		t.Fatalf("list pins: %v", err)
	}
	return pins
}

func downloading(hash string) model.Torrent {
	return model.Torrent{Hash: hash, Name: hash + ".iso", ETA: 120, RateDownload: 2_097_152}
}

func completed(hash string, ago time.Duration) model.Torrent {
	return model.Torrent{Hash: hash, Name: hash + ".iso", ETA: -1, DoneDate: testNow.Add(-ago).Unix()}
}

func stalled(hash string) model.Torrent {
	return model.Torrent{Hash: hash, Name: hash + ".iso", ETA: -1}
}

func TestDownloadThenCompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gw := &fakeGateway{}
	e := newTestEngine(store, gw)

	// cycle 1: downloading
	res, err := e.Reconcile(ctx, testUser, []model.Torrent{downloading("aaa")})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if diff := cmp.Diff(Result{Sent: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]model.PinRecord{"aaa": {PinID: "pin-1", Pending: true}}, listPins(t, store)); diff != "" {
		t.Errorf("pins mismatch (-want +got):\n%s", diff)
	}
	if len(gw.sent) != 1 || gw.sent[0].Time != "2025-03-10T12:02:00Z" {
		t.Fatalf("expected one pin scheduled two minutes out, got %+v", gw.sent)
	}

	// cycle 2: finished just now
	gw.reset()
	if _, err := e.Reconcile(ctx, testUser, []model.Torrent{completed("aaa", 0)}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	want := []gatewayCall{{Method: http.MethodPut, Token: "user-1", PinID: "pin-1"}}
	if diff := cmp.Diff(want, gw.getCalls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]model.PinRecord{"aaa": {PinID: "pin-1", Pending: false}}, listPins(t, store)); diff != "" {
		t.Errorf("pins mismatch (-want +got):\n%s", diff)
	}

	// cycle 3: still within window, already delivered
	gw.reset()
	res, err = e.Reconcile(ctx, testUser, []model.Torrent{completed("aaa", 0)})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if calls := gw.getCalls(); len(calls) != 0 {
		t.Errorf("expected no calls for delivered pin, got %v", calls)
	}
	if diff := cmp.Diff(Result{}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gw := &fakeGateway{}
	e := newTestEngine(store, gw)

	torrents := []model.Torrent{downloading("aaa"), completed("old", 30*24*time.Hour)}
	for i := range 2 {
		if _, err := e.Reconcile(ctx, testUser, torrents); err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
	}

	want := []gatewayCall{
		{Method: http.MethodPut, Token: "user-1", PinID: "pin-1"},
		{Method: http.MethodPut, Token: "user-1", PinID: "pin-1"},
	}
	if diff := cmp.Diff(want, gw.getCalls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	wantPins := map[string]model.PinRecord{
		"aaa": {PinID: "pin-1", Pending: true},
		"old": {PinID: "pin-2", Pending: true},
	}
	if diff := cmp.Diff(wantPins, listPins(t, store)); diff != "" {
		t.Errorf("pins mismatch (-want +got):\n%s", diff)
	}
}

func TestShowableSendFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gw := &fakeGateway{status: func(string, string) timeline.Status { return timeline.OtherFailure }}
	e := newTestEngine(store, gw)

	res, err := e.Reconcile(ctx, testUser, []model.Torrent{completed("aaa", time.Hour)})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if diff := cmp.Diff(Result{Failed: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]model.PinRecord{"aaa": {PinID: "pin-1", Pending: true}}, listPins(t, store)); diff != "" {
		t.Errorf("pins mismatch (-want +got):\n%s", diff)
	}

	// recovers on the next cycle
	gw.status = nil
	if _, err := e.Reconcile(ctx, testUser, []model.Torrent{completed("aaa", time.Hour)}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if diff := cmp.Diff(map[string]model.PinRecord{"aaa": {PinID: "pin-1", Pending: false}}, listPins(t, store)); diff != "" {
		t.Errorf("pins mismatch (-want +got):\n%s", diff)
	}
}

func TestNotShowableMakesNoCalls(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gw := &fakeGateway{}
	e := newTestEngine(store, gw)

	if _, err := e.Reconcile(ctx, testUser, []model.Torrent{completed("old", 4*24*time.Hour)}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if calls := gw.getCalls(); len(calls) != 0 {
		t.Errorf("expected no calls, got %v", calls)
	}
	if _, ok := listPins(t, store)["old"]; !ok {
		t.Error("expected a record for the not showable torrent")
	}
}

func TestDeleteAction(t *testing.T) {
	tests := []struct {
		name       string
		status     timeline.Status
		wantResult Result
		wantPins   map[string]model.PinRecord
		wantCalls  []gatewayCall
	}{
		{
			name:       "success removes the record",
			status:     timeline.Success,
			wantResult: Result{Deleted: 1, Sent: 1},
			wantPins:   map[string]model.PinRecord{"next": {PinID: "pin-next", Pending: true}},
			wantCalls: []gatewayCall{
				{Method: http.MethodDelete, Token: "user-1", PinID: "pin-dead"},
				{Method: http.MethodPut, Token: "user-1", PinID: "pin-next"},
			},
		},
		{
			name:       "other failure keeps the record and continues",
			status:     timeline.OtherFailure,
			wantResult: Result{Failed: 1, Sent: 1},
			wantPins: map[string]model.PinRecord{
				"dead": {PinID: "pin-dead", Pending: true},
				"next": {PinID: "pin-next", Pending: true},
			},
			wantCalls: []gatewayCall{
				{Method: http.MethodDelete, Token: "user-1", PinID: "pin-dead"},
				{Method: http.MethodPut, Token: "user-1", PinID: "pin-next"},
			},
		},
		{
			name:       "rate limit aborts remaining torrents and collection",
			status:     timeline.RateLimited,
			wantResult: Result{RateLimited: true},
			wantPins: map[string]model.PinRecord{
				"dead":   {PinID: "pin-dead", Pending: true},
				"next":   {PinID: "pin-next", Pending: true},
				"orphan": {PinID: "pin-orphan", Pending: false},
			},
			wantCalls: []gatewayCall{
				{Method: http.MethodDelete, Token: "user-1", PinID: "pin-dead"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t)
			seed := map[string]model.PinRecord{
				"dead":   {PinID: "pin-dead", Pending: true},
				"next":   {PinID: "pin-next", Pending: true},
				"orphan": {PinID: "pin-orphan", Pending: false},
			}
			if tt.status != timeline.RateLimited {
				delete(seed, "orphan")
			}
			if err := store.UpdatePins(ctx, testUser.Token, seed); err != nil {
				t.Fatalf("seed pins: %v", err)
			}

			gw := &fakeGateway{status: func(method, _ string) timeline.Status {
				if method == http.MethodDelete {
					return tt.status
				}
				return timeline.Success
			}}
			e := newTestEngine(store, gw)

			res, err := e.Reconcile(ctx, testUser, []model.Torrent{stalled("dead"), downloading("next")})
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if diff := cmp.Diff(tt.wantResult, res); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantPins, listPins(t, store)); diff != "" {
				t.Errorf("pins mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantCalls, gw.getCalls()); diff != "" {
				t.Errorf("calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInvalidUserIsRemoved(t *testing.T) {
	tests := []struct {
		name     string
		torrents []model.Torrent
		method   string
	}{
		{name: "on put", torrents: []model.Torrent{downloading("aaa"), downloading("bbb")}, method: http.MethodPut},
		{name: "on showable", torrents: []model.Torrent{completed("aaa", time.Hour), downloading("bbb")}, method: http.MethodPut},
		{name: "on delete", torrents: []model.Torrent{stalled("aaa"), downloading("bbb")}, method: http.MethodDelete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t)
			gw := &fakeGateway{status: func(method, _ string) timeline.Status {
				if method == tt.method {
					return timeline.PermanentlyInvalid
				}
				return timeline.Success
			}}
			e := newTestEngine(store, gw)

			res, err := e.Reconcile(ctx, testUser, tt.torrents)
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if !res.Invalidated {
				t.Error("expected the account to be invalidated")
			}
			if calls := gw.getCalls(); len(calls) != 1 {
				t.Errorf("expected processing to stop after the first call, got %v", calls)
			}
			if _, err := store.GetUser(ctx, testUser.Token); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("expected user to be deleted, got %v", err)
			}
			if pins := listPins(t, store); len(pins) != 0 {
				t.Errorf("expected no pins left, got %v", pins)
			}
		})
	}
}

func TestGarbageCollection(t *testing.T) {
	tests := []struct {
		name   string
		status timeline.Status
	}{
		{name: "remote delete succeeds", status: timeline.Success},
		{name: "remote delete fails", status: timeline.OtherFailure},
		{name: "remote delete rate limited", status: timeline.RateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t)
			seed := map[string]model.PinRecord{
				"kept":  {PinID: "pin-kept", Pending: true},
				"gone1": {PinID: "pin-gone1", Pending: false},
				"gone2": {PinID: "pin-gone2", Pending: true},
			}
			if err := store.UpdatePins(ctx, testUser.Token, seed); err != nil {
				t.Fatalf("seed pins: %v", err)
			}

			gw := &fakeGateway{status: func(method, _ string) timeline.Status {
				if method == http.MethodDelete {
					return tt.status
				}
				return timeline.Success
			}}
			e := newTestEngine(store, gw)

			res, err := e.Reconcile(ctx, testUser, []model.Torrent{completed("kept", 10*24*time.Hour)})
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if diff := cmp.Diff(Result{Collected: 2}, res); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(map[string]model.PinRecord{"kept": {PinID: "pin-kept", Pending: true}}, listPins(t, store)); diff != "" {
				t.Errorf("pins mismatch (-want +got):\n%s", diff)
			}

			deleted := map[string]bool{}
			for _, c := range gw.getCalls() {
				if c.Method == http.MethodDelete {
					deleted[c.PinID] = true
				}
			}
			if diff := cmp.Diff(map[string]bool{"pin-gone1": true, "pin-gone2": true}, deleted); diff != "" {
				t.Errorf("deleted pins mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGarbageCollectionInvalidUser(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.SavePin(ctx, testUser.Token, "gone", model.PinRecord{PinID: "pin-gone"}); err != nil {
		t.Fatalf("seed pin: %v", err)
	}
	gw := &fakeGateway{status: func(string, string) timeline.Status { return timeline.PermanentlyInvalid }}
	e := newTestEngine(store, gw)

	res, err := e.Reconcile(ctx, testUser, nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Invalidated {
		t.Error("expected the account to be invalidated")
	}
	if _, err := store.GetUser(ctx, testUser.Token); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected user to be deleted, got %v", err)
	}
}

func TestEmptyTorrentListCollectsEverything(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gw := &fakeGateway{}
	e := newTestEngine(store, gw)

	if _, err := e.Reconcile(ctx, testUser, []model.Torrent{downloading("a"), completed("b", time.Hour)}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	res, err := e.Reconcile(ctx, testUser, []model.Torrent{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if diff := cmp.Diff(Result{Collected: 2}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if pins := listPins(t, store); len(pins) != 0 {
		t.Errorf("expected no pins, got %v", pins)
	}
}

// flakyStore fails writes for chosen hashes.
type flakyStore struct {
	*storage.SQLite
	failSave   map[string]bool
	failDelete map[string]bool
	updates    int
}

func (f *flakyStore) SavePin(ctx context.Context, userToken, hash string, rec model.PinRecord) error {
	if f.failSave[hash] {
		return errors.New("disk full")
	}
	return f.SQLite.SavePin(ctx, userToken, hash, rec)
}

func (f *flakyStore) DeletePin(ctx context.Context, userToken, hash string) error {
	if f.failDelete[hash] {
		return errors.New("disk full")
	}
	return f.SQLite.DeletePin(ctx, userToken, hash)
}

func (f *flakyStore) UpdatePins(ctx context.Context, userToken string, pins map[string]model.PinRecord) error {
	f.updates++
	return f.SQLite.UpdatePins(ctx, userToken, pins)
}

func TestUnsavedNewRecordIsNotSent(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{SQLite: newTestStore(t), failSave: map[string]bool{"aaa": true}}
	gw := &fakeGateway{}
	e := newTestEngine(store, gw)

	res, err := e.Reconcile(ctx, testUser, []model.Torrent{downloading("aaa"), downloading("bbb")})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if diff := cmp.Diff(Result{Sent: 1, Failed: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	want := []gatewayCall{{Method: http.MethodPut, Token: "user-1", PinID: "pin-2"}}
	if diff := cmp.Diff(want, gw.getCalls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestFailedRecordDeleteIsResynced(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{SQLite: newTestStore(t), failDelete: map[string]bool{"gone": true}}
	if err := store.SQLite.SavePin(ctx, testUser.Token, "gone", model.PinRecord{PinID: "pin-gone"}); err != nil {
		t.Fatalf("seed pin: %v", err)
	}
	e := newTestEngine(store, &fakeGateway{})

	if _, err := e.Reconcile(ctx, testUser, nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if store.updates != 1 {
		t.Errorf("expected one resync, got %d", store.updates)
	}
	if pins := listPins(t, store.SQLite); len(pins) != 0 {
		t.Errorf("expected resync to drop the record, got %v", pins)
	}
}

func TestRateLimitedRunStillResyncsDeliveredFlag(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{SQLite: newTestStore(t), failSave: map[string]bool{"done": true}}
	seed := map[string]model.PinRecord{
		"done": {PinID: "pin-done", Pending: true},
		"dead": {PinID: "pin-dead", Pending: true},
	}
	if err := store.SQLite.UpdatePins(ctx, testUser.Token, seed); err != nil {
		t.Fatalf("seed pins: %v", err)
	}
	gw := &fakeGateway{status: func(method, _ string) timeline.Status {
		if method == http.MethodDelete {
			return timeline.RateLimited
		}
		return timeline.Success
	}}
	e := newTestEngine(store, gw)

	torrents := []model.Torrent{completed("done", time.Hour), stalled("dead")}
	res, err := e.Reconcile(ctx, testUser, torrents)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if diff := cmp.Diff(Result{Sent: 1, RateLimited: true}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if store.updates != 1 {
		t.Errorf("expected one resync, got %d", store.updates)
	}
	wantPins := map[string]model.PinRecord{
		"done": {PinID: "pin-done", Pending: false},
		"dead": {PinID: "pin-dead", Pending: true},
	}
	if diff := cmp.Diff(wantPins, listPins(t, store.SQLite)); diff != "" {
		t.Errorf("pins mismatch (-want +got):\n%s", diff)
	}

	store.failSave = nil
	gw.status = nil
	gw.reset()
	if _, err := e.Reconcile(ctx, testUser, []model.Torrent{completed("done", time.Hour)}); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	want := []gatewayCall{{Method: http.MethodDelete, Token: "user-1", PinID: "pin-dead"}}
	if diff := cmp.Diff(want, gw.getCalls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}
