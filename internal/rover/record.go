package rover

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/rover/internal/db"
	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/navigator"
	"github.com/banshee-data/rover/internal/timeutil"
)

// RunStore persists runs and what happened during them. *db.DB implements it.
type RunStore interface {
	StartRun(runID, trailPath, mode string, at time.Time) error
	FinishRun(runID string, at time.Time) error
	RecordFix(runID string, f db.FixRecord) error
	RecordFinding(runID string, f db.Finding) error
}

type runStart struct {
	trailPath string
	mode      string
	at        time.Time
}

type runEvent struct {
	runID   string
	start   *runStart
	finish  *time.Time
	fix     *db.FixRecord
	finding *db.Finding
}

// Recorder queues run boundaries, fixes and findings and writes them to a
// RunStore from its own goroutine, so the tick path never waits on the
// database. Fixes and findings are dropped once capacity of them are queued;
// run boundaries are always kept.
type Recorder struct {
	store    RunStore
	clock    timeutil.Clock
	capacity int
	newID    func() string
	wake     chan struct{}

	mu      sync.Mutex
	pending []runEvent
	queued  int // fixes and findings in pending
	runID   string
	dropped int
}

// NewRecorder creates a recorder with room for capacity queued events.
func NewRecorder(store RunStore, clock timeutil.Clock, capacity int) *Recorder {
	return &Recorder{
		store:    store,
		clock:    clock,
		capacity: capacity,
		newID:    db.NewRunID,
		wake:     make(chan struct{}, 1),
	}
}

// StartRun finishes any open run and opens a new one. It returns the new
// run's ID.
func (r *Recorder) StartRun(trailPath, mode string) string {
	id := r.newID()
	now := r.clock.Now()

	r.mu.Lock()
	r.finishLocked(now)
	r.runID = id
	r.pending = append(r.pending, runEvent{runID: id, start: &runStart{trailPath: trailPath, mode: mode, at: now}})
	r.mu.Unlock()
	r.signal()

	logf("run %s started (%s %s)", id, mode, trailPath)
	return id
}

// FinishRun closes the open run, if any.
func (r *Recorder) FinishRun() {
	r.mu.Lock()
	r.finishLocked(r.clock.Now())
	r.mu.Unlock()
	r.signal()
}

func (r *Recorder) finishLocked(at time.Time) {
	if r.runID == "" {
		return
	}
	r.pending = append(r.pending, runEvent{runID: r.runID, finish: &at})
	r.runID = ""
}

func (r *Recorder) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RunID returns the open run, or "" when none is open.
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// Dropped returns the number of fixes and findings lost to a full queue.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) enqueue(ev runEvent) {
	r.mu.Lock()
	if r.runID == "" {
		r.mu.Unlock()
		return
	}
	if r.queued >= r.capacity {
		r.dropped++
		r.mu.Unlock()
		return
	}
	ev.runID = r.runID
	r.pending = append(r.pending, ev)
	r.queued++
	r.mu.Unlock()
	r.signal()
}

// RecordFix queues a localization fix for the open run.
func (r *Recorder) RecordFix(f navigator.Fix) {
	rec := db.FixRecord{
		WaypointIndex: f.WaypointIndex,
		X:             f.Estimate.Pose.X,
		Y:             f.Estimate.Pose.Y,
		Theta:         f.Estimate.Pose.Theta,
		Variance:      f.Estimate.Variance,
		Coincidence:   f.Estimate.Coincidence,
		Accepted:      f.Accepted,
		Recorded:      r.clock.Now(),
	}
	r.enqueue(runEvent{fix: &rec})
}

// RecordFinding queues a found target for the open run.
func (r *Recorder) RecordFinding(p geometry.ScanPoint, probability float64) {
	rec := db.Finding{XMM: p.X, YMM: p.Y, Probability: probability, Found: r.clock.Now()}
	r.enqueue(runEvent{finding: &rec})
}

// Run writes queued events until ctx is cancelled, then finishes the open
// run and drains the queue.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		r.flush()
		select {
		case <-r.wake:
		case <-ctx.Done():
			r.FinishRun()
			r.flush()
			return ctx.Err()
		}
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	evs := r.pending
	r.pending = nil
	r.queued = 0
	r.mu.Unlock()

	for _, ev := range evs {
		r.write(ev)
	}
}

func (r *Recorder) write(ev runEvent) {
	var err error
	switch {
	case ev.start != nil:
		err = r.store.StartRun(ev.runID, ev.start.trailPath, ev.start.mode, ev.start.at)
	case ev.finish != nil:
		err = r.store.FinishRun(ev.runID, *ev.finish)
	case ev.fix != nil:
		err = r.store.RecordFix(ev.runID, *ev.fix)
	case ev.finding != nil:
		err = r.store.RecordFinding(ev.runID, *ev.finding)
	}
	if err != nil {
		logf("run %s: %v", ev.runID, err)
	}
}

// events adapts navigator callbacks for the rover. It runs on the tick
// goroutine after the navigator has released its lock.
type events struct {
	mu          sync.Mutex
	recorder    *Recorder
	probability float64 // of the search point last handed to the navigator
	fixes       int
	accepted    int
	found       []geometry.ScanPoint
}

func (e *events) setRecorder(r *Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder = r
}

func (e *events) setSearchProbability(p float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probability = p
}

func (e *events) LocalizationFix(f navigator.Fix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fixes++
	if f.Accepted {
		e.accepted++
	}
	if e.recorder != nil {
		e.recorder.RecordFix(f)
	}
}

func (e *events) TargetFound(p geometry.ScanPoint, from geometry.Pose) {
	e.mu.Lock()
	defer e.mu.Unlock()
	logf("target found at (%d, %d) mm from (%.2f, %.2f)", p.X, p.Y, from.X, from.Y)
	e.found = append(e.found, p)
	if e.recorder != nil {
		e.recorder.RecordFinding(p, e.probability)
	}
}

func (e *events) counts() (fixes, accepted int, found []geometry.ScanPoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fixes, e.accepted, append([]geometry.ScanPoint(nil), e.found...)
}
