package navigator

import (
	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/localizer"
)

// Fix is the outcome of examining the localizer's last result at a waypoint
// crossing.
type Fix struct {
	WaypointIndex int                `json:"waypoint_index"`
	Estimate      localizer.Estimate `json:"estimate"`
	Accepted      bool               `json:"accepted"`
}

// localization is a handle on one background localization run. The tick path
// polls it and never blocks on it.
type localization struct {
	done   chan struct{}
	result localizer.Estimate // set before done is closed
}

// localizeJob is the segment a crossing hands to the worker.
type localizeJob struct {
	init           *geometry.Pose // first crossing of a playback
	reference      []geometry.ScanPoint
	measured       []geometry.ScanPoint
	dx, dy, dtheta float64
	odometry       geometry.Pose
	iterations     int
}

// startLocalization feeds job to loc and runs the estimate passes on a new
// goroutine. The localizer is only ever called from here, never under the
// navigator lock.
func startLocalization(loc *localizer.Localizer, job localizeJob) *localization {
	w := &localization{done: make(chan struct{})}
	go func() {
		defer close(w.done)
		if job.init != nil {
			loc.Init(*job.init)
		}
		loc.AddReferenceData(job.reference)
		loc.SetMeasuredData(job.measured)
		loc.Predict(job.dx, job.dy, job.dtheta)
		loc.SetOdometry(job.odometry)
		for i := 0; i < job.iterations; i++ {
			loc.Estimate()
		}
		w.result = loc.Result()
	}()
	return w
}

// idle reports whether no run is in flight. A nil handle is idle.
func (w *localization) idle() bool {
	if w == nil {
		return true
	}
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *localization) wait() {
	if w != nil {
		<-w.done
	}
}

// localize adopts the previous run's result if it passes the trust gate and
// starts a new run on the segment just passed. Called with n.mu held and only
// when the worker is idle. The fix reaches the listener once n.mu is released.
func (n *Navigator) localize(odo geometry.Pose, dx, dy, dtheta float64, reference []geometry.ScanPoint) {
	var res localizer.Estimate
	switch {
	case n.initPose != nil:
		res = localizer.Estimate{Pose: *n.initPose}
	case n.worker != nil:
		res = n.worker.result
	}
	fix := Fix{
		WaypointIndex: n.index,
		Estimate:      res,
		Accepted:      res.Variance < n.cfg.MaxTrustedVariance && res.Coincidence > n.cfg.MinTrustedCoincidence,
	}
	n.lastFix = fix
	if fix.Accepted {
		n.estCross = res.Pose
	} else if res.Coincidence > 0 {
		logf("waypoint %d: low-confidence estimate (variance %.3f, coincidence %.3f), dead reckoning",
			n.index, res.Variance, res.Coincidence)
	}
	n.notify(func(l Listener) { l.LocalizationFix(fix) })

	n.worker = startLocalization(n.loc, localizeJob{
		init:       n.initPose,
		reference:  reference,
		measured:   append([]geometry.ScanPoint(nil), n.measured...),
		dx:         dx,
		dy:         dy,
		dtheta:     dtheta,
		odometry:   odo,
		iterations: n.cfg.LocalizeIterations,
	})
	n.initPose = nil
}
