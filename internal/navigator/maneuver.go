package navigator

import (
	"math"

	"github.com/banshee-data/rover/internal/geometry"
)

// returnTolerance is how close the search detour must come back to the
// point it left the trail at.
const returnTolerance = 0.1

// SearchStep is a state of the search machine.
type SearchStep int

const (
	SearchInit SearchStep = iota
	SearchTurnToTarget
	SearchApproachTarget
	SearchSignalFound
	SearchWait
	SearchTurnToReturn
	SearchMoveToReturn
	SearchTurnToWaypoint
	SearchFinish
)

var searchStepNames = [...]string{
	"init", "turn_to_target", "approach_target", "signal_found", "wait",
	"turn_to_return", "move_to_return", "turn_to_waypoint", "finish",
}

func (s SearchStep) String() string {
	if s < 0 || int(s) >= len(searchStepNames) {
		return "unknown"
	}
	return searchStepNames[s]
}

// RerouteStep is a state of the reroute machine.
type RerouteStep int

const (
	RerouteInit RerouteStep = iota
	RerouteTurnSide
	RerouteMoveSide
	RerouteTurnForward
	RerouteMoveForward
	RerouteTurnReturn
	RerouteMoveReturn
	RerouteTurnWaypoint
	RerouteFinish
)

var rerouteStepNames = [...]string{
	"init", "turn_side", "move_side", "turn_forward", "move_forward",
	"turn_return", "move_return", "turn_waypoint", "finish",
}

func (s RerouteStep) String() string {
	if s < 0 || int(s) >= len(rerouteStepNames) {
		return "unknown"
	}
	return rerouteStepNames[s]
}

// stepSearch runs one tick of the search machine and reports whether it is
// still running.
func (n *Navigator) stepSearch() bool {
	st := n.search
	elapsed := st.Elapsed()
	sx, sy := n.searchPoint.Meters()

	switch st.State() {
	case SearchInit:
		n.stop()
		if elapsed >= n.cfg.SettleTime {
			st.Enter(SearchTurnToTarget)
		}
	case SearchTurnToTarget:
		if n.turnTo(n.est.BearingTo(sx, sy)) {
			st.Enter(SearchApproachTarget)
		}
	case SearchApproachTarget:
		if n.moveTo(sx, sy, n.cfg.ApproachDistance) {
			st.Enter(SearchSignalFound)
		} else if elapsed >= n.cfg.ApproachTimeout {
			logf("approach timed out %.2f m from target", math.Hypot(sx-n.est.X, sy-n.est.Y))
			n.stop()
			st.Enter(SearchSignalFound)
		}
	case SearchSignalFound:
		n.stop()
		logf("target found at (%d, %d) mm", n.searchPoint.X, n.searchPoint.Y)
		point, from := n.searchPoint, n.est
		n.notify(func(l Listener) { l.TargetFound(point, from) })
		st.Enter(SearchWait)
	case SearchWait:
		n.stop()
		if elapsed >= n.cfg.FoundWait {
			st.Enter(SearchTurnToReturn)
		}
	case SearchTurnToReturn:
		if n.turnTo(n.est.BearingTo(n.returnX, n.returnY)) {
			st.Enter(SearchMoveToReturn)
		}
	case SearchMoveToReturn:
		if n.moveTo(n.returnX, n.returnY, returnTolerance) {
			st.Enter(SearchTurnToWaypoint)
		}
	case SearchTurnToWaypoint:
		if n.turnTo(n.est.BearingTo(n.target.X, n.target.Y)) {
			st.Enter(SearchFinish)
		}
	}

	if st.State() == SearchFinish {
		n.stop()
		n.measured = n.measured[:0]
		return false
	}
	return true
}

// stepReroute runs one tick of the reroute machine and reports whether it is
// still running. Every state spends its first SettleTime stopped, capturing
// the pose its turn or leg is measured from, and is forced onward after
// RerouteStateTimeout.
func (n *Navigator) stepReroute() bool {
	st := n.reroute
	elapsed := st.Elapsed()

	if elapsed > n.cfg.RerouteStateTimeout {
		logf("reroute %s timed out", st.State())
		st.Enter(st.State() + 1)
		elapsed = 0
	}
	if st.State() != RerouteFinish && elapsed < n.cfg.SettleTime {
		n.stop()
		n.rerouteOrigin = n.est
		return true
	}

	side := float64(n.rerouteDir) * math.Pi / 2
	origin := n.rerouteOrigin
	next := false
	switch st.State() {
	case RerouteInit:
		next = true
	case RerouteTurnSide, RerouteTurnWaypoint:
		next = n.turnTo(geometry.NormalizeAngle(origin.Theta + side - n.est.Theta))
	case RerouteTurnForward, RerouteTurnReturn:
		next = n.turnTo(geometry.NormalizeAngle(origin.Theta - side - n.est.Theta))
	case RerouteMoveSide, RerouteMoveReturn:
		next = n.moveFrom(origin, n.cfg.RerouteSideLength)
	case RerouteMoveForward:
		if n.needStop {
			n.stop()
			st.Enter(RerouteTurnSide)
			return true
		}
		next = n.moveFrom(origin, n.cfg.RerouteForwardLength)
	}
	if next {
		st.Enter(st.State() + 1)
	}

	if st.State() == RerouteFinish {
		n.stop()
		n.measured = n.measured[:0]
		return false
	}
	return true
}

func (n *Navigator) stop() {
	n.forward, n.rotate = 0, 0
}

// turnTo rotates in place toward a heading error and reports whether it is
// within tolerance.
func (n *Navigator) turnTo(headingErr float64) bool {
	n.forward = 0
	if math.Abs(headingErr) > n.cfg.AngleTolerance {
		n.rotate = math.Copysign(n.cfg.TurnSpeed, headingErr)
		return false
	}
	n.rotate = 0
	return true
}

// moveTo drives toward (x, y) and reports whether it is within margin.
func (n *Navigator) moveTo(x, y, margin float64) bool {
	if math.Hypot(x-n.est.X, y-n.est.Y) > margin {
		n.forward = n.cfg.MoveSpeed
		n.rotate = n.cfg.HeadingGain * n.est.BearingTo(x, y)
		return false
	}
	n.stop()
	return true
}

// moveFrom drives straight on until length meters from origin.
func (n *Navigator) moveFrom(origin geometry.Pose, length float64) bool {
	n.rotate = 0
	if n.est.Distance(origin) < length {
		n.forward = n.cfg.MoveSpeed
		return false
	}
	n.forward = 0
	return true
}
