package rover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rover/internal/db"
	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/localizer"
	"github.com/banshee-data/rover/internal/navigator"
	"github.com/banshee-data/rover/internal/timeutil"
)

type memStore struct {
	mu       sync.Mutex
	started  []string
	finished map[string]time.Time
	fixes    map[string][]db.FixRecord
	findings map[string][]db.Finding
}

func newMemStore() *memStore {
	return &memStore{
		finished: map[string]time.Time{},
		fixes:    map[string][]db.FixRecord{},
		findings: map[string][]db.Finding{},
	}
}

func (s *memStore) StartRun(runID, trailPath, mode string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, runID)
	return nil
}

func (s *memStore) startedRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

// newTestRecorder numbers runs run-1, run-2, ...
func newTestRecorder(store RunStore, clock timeutil.Clock, capacity int) *Recorder {
	rec := NewRecorder(store, clock, capacity)
	n := 0
	rec.newID = func() string {
		n++
		return fmt.Sprintf("run-%d", n)
	}
	return rec
}

func (s *memStore) FinishRun(runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[runID] = at
	return nil
}

func (s *memStore) RecordFix(runID string, f db.FixRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixes[runID] = append(s.fixes[runID], f)
	return nil
}

func (s *memStore) RecordFinding(runID string, f db.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings[runID] = append(s.findings[runID], f)
	return nil
}

func runRecorder(t *testing.T, rec *Recorder) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("recorder did not stop")
		}
	}
}

func TestRecorderWritesRunEvents(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := newMemStore()
	rec := newTestRecorder(store, clock, 8)

	rec.RecordFix(navigator.Fix{WaypointIndex: 9}) // no run open yet
	assert.Equal(t, "run-1", rec.StartRun("trail.csv", "playing"))
	assert.Equal(t, "run-1", rec.RunID())

	rec.RecordFix(navigator.Fix{
		WaypointIndex: 2,
		Estimate: localizer.Estimate{
			Pose:        geometry.Pose{X: 1, Y: 2, Theta: 0.5},
			Variance:    0.01,
			Coincidence: 0.6,
		},
		Accepted: true,
	})
	rec.RecordFinding(geometry.ScanPoint{X: 2000, Y: -300}, 0.4)

	stop := runRecorder(t, rec)
	stop()

	want := []db.FixRecord{{
		WaypointIndex: 2, X: 1, Y: 2, Theta: 0.5, Variance: 0.01, Coincidence: 0.6,
		Accepted: true, Recorded: clock.Now(),
	}}
	if diff := cmp.Diff(want, store.fixes["run-1"]); diff != "" {
		t.Errorf("fixes mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []db.Finding{{XMM: 2000, YMM: -300, Probability: 0.4, Found: clock.Now()}}, store.findings["run-1"])
	assert.Equal(t, []string{"run-1"}, store.started)
	assert.Contains(t, store.finished, "run-1", "Run finishes the open run on exit")
	assert.Empty(t, rec.RunID())
}

func TestRunBoundariesWrittenByRecorder(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := newMemStore()
	rec := newTestRecorder(store, clock, 1)

	rec.StartRun("trail.csv", "playing")
	rec.FinishRun()
	assert.Empty(t, store.startedRuns(), "the caller never writes to the store")
	assert.Empty(t, rec.RunID())

	stop := runRecorder(t, rec)
	require.Eventually(t, func() bool {
		return len(store.startedRuns()) == 1
	}, time.Second, time.Millisecond)
	stop()
	assert.Equal(t, clock.Now(), store.finished["run-1"])
}

func TestRecorderDropsWhenFull(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := newMemStore()
	rec := newTestRecorder(store, clock, 1)
	rec.StartRun("trail.csv", "playing")
	for i := range 3 {
		rec.RecordFix(navigator.Fix{WaypointIndex: i})
	}
	assert.Equal(t, 2, rec.Dropped())

	runRecorder(t, rec)()
	assert.Equal(t, []string{"run-1"}, store.started, "a full queue still keeps run boundaries")
	assert.Len(t, store.fixes["run-1"], 1)
	assert.Contains(t, store.finished, "run-1")
}

func TestStartRunFinishesPrevious(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := newMemStore()
	rec := newTestRecorder(store, clock, 1)
	rec.StartRun("a.csv", "recording")
	clock.Advance(time.Minute)
	rec.StartRun("a.csv", "playing")
	assert.Equal(t, "run-2", rec.RunID())

	finished := clock.Now()
	clock.Advance(time.Minute)
	runRecorder(t, rec)()
	assert.Equal(t, []string{"run-1", "run-2"}, store.started)
	assert.Equal(t, finished, store.finished["run-1"])
	assert.Equal(t, clock.Now(), store.finished["run-2"])
}

func TestEventsForwardFindingProbability(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := newMemStore()
	rec := newTestRecorder(store, clock, 4)
	rec.StartRun("trail.csv", "playing")

	ev := &events{}
	ev.setRecorder(rec)
	ev.setSearchProbability(0.7)
	ev.LocalizationFix(navigator.Fix{Accepted: true})
	ev.LocalizationFix(navigator.Fix{})
	ev.TargetFound(geometry.ScanPoint{X: 1, Y: 2}, geometry.Pose{})

	fixes, accepted, found := ev.counts()
	assert.Equal(t, 2, fixes)
	assert.Equal(t, 1, accepted)
	assert.Equal(t, []geometry.ScanPoint{{X: 1, Y: 2}}, found)

	runRecorder(t, rec)()
	require.Len(t, store.findings["run-1"], 1)
	assert.Equal(t, 0.7, store.findings["run-1"][0].Probability)
	assert.Len(t, store.fixes["run-1"], 2)
}

func TestPlaybackRecordedToDatabase(t *testing.T) {
	h := newHarness(t, func(o *harnessOptions) {
		o.trailPath = writeTrail(t, geometry.Pose{X: 1}, geometry.Pose{X: 2})
	})
	store, err := db.OpenDB(filepath.Join(t.TempDir(), "rover.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := NewRecorder(store, h.clock, 16)
	h.r.SetRecorder(rec)
	h.startPlaying(t)
	require.NotEmpty(t, rec.RunID())
	runID := rec.RunID()
	assert.Equal(t, runID, h.r.Diagnostics(0).RunID)

	runRecorder(t, rec)()
	runs, err := store.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "playing", runs[0].Mode)
	assert.False(t, runs[0].Finished.IsZero())

	fixes, err := store.Fixes(runID)
	require.NoError(t, err)
	require.Len(t, fixes, 1, "loading the first waypoint examines one fix")
	assert.Equal(t, 0, fixes[0].WaypointIndex)
	assert.False(t, fixes[0].Accepted)
}

func TestAdminRoutes(t *testing.T) {
	h := newHarness(t, func(o *harnessOptions) {
		o.trailPath = writeTrail(t, geometry.Pose{X: 1})
	})
	mux := http.NewServeMux()
	h.r.AttachAdminRoutes(mux)

	do := func(method, path string, form url.Values) *httptest.ResponseRecorder {
		var req *http.Request
		if form != nil {
			req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		req.RemoteAddr = "127.0.0.1:12345"
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/debug/rover?particles=5", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var d Diagnostics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, "idle", d.Navigator.Mode)
	assert.Len(t, d.Particles, 5)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/debug/rover?particles=-1", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(http.MethodGet, "/debug/rover-control", nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(http.MethodPost, "/debug/rover-control", url.Values{"action": {"fly"}}).Code)

	w = do(http.MethodPost, "/debug/rover-control", url.Values{"action": {"play"}})
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.True(t, h.r.Driving())
	assert.Equal(t, navigator.ModePlaying, h.nav.Mode())

	w = do(http.MethodPost, "/debug/rover-control", url.Values{"action": {"stop"}})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, navigator.ModeIdle, h.nav.Mode())
}
