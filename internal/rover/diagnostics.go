package rover

import (
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/httputil"
	"github.com/banshee-data/rover/internal/localizer"
	"github.com/banshee-data/rover/internal/navigator"
	"github.com/banshee-data/rover/internal/obstacle"
	"github.com/banshee-data/rover/internal/target"
)

const defaultParticleLimit = 1000

// Diagnostics is a point-in-time view of the whole loop.
type Diagnostics struct {
	Navigator      navigator.Snapshot   `json:"navigator"`
	Odometry       geometry.Pose        `json:"odometry"`
	Result         localizer.Estimate   `json:"localizer_result"`
	Particles      []localizer.Particle `json:"particles"`
	ReferenceArea  localizer.Area       `json:"reference_area"`
	SlowDownFactor float64              `json:"slow_down_factor"`
	NeedStop       bool                 `json:"need_stop"`
	Rerouting      bool                 `json:"reroute_requested"`
	Zone           obstacle.Zone        `json:"zone"`
	SearchPoints   []target.SearchPoint `json:"search_points"`
	Found          []geometry.ScanPoint `json:"found"`
	Fixes          int                  `json:"fixes"`
	AcceptedFixes  int                  `json:"accepted_fixes"`
	Driving        bool                 `json:"driving"`
	Joystick       JoystickState        `json:"joystick"`
	WheelRight     float64              `json:"wheel_right"`
	WheelLeft      float64              `json:"wheel_left"`
	Ticks          uint64               `json:"ticks"`
	Goals          int                  `json:"goals"`
	LastTick       time.Time            `json:"last_tick,omitzero"`
	LastScan       time.Time            `json:"last_scan,omitzero"`
	LastTiltDeg    float64              `json:"last_tilt_deg"`
	SkippedScans   int                  `json:"skipped_scans"`
	RunID          string               `json:"run_id,omitempty"`
}

// Diagnostics gathers the current state, with at most maxParticles
// particles (all of them when maxParticles <= 0).
func (r *Rover) Diagnostics(maxParticles int) Diagnostics {
	d := Diagnostics{
		Navigator:      r.nav.Snapshot(),
		Odometry:       r.sensors.Odometry.Pose(),
		Result:         r.loc.Result(),
		Particles:      r.loc.Particles(maxParticles),
		ReferenceArea:  r.loc.ReferenceArea(),
		SlowDownFactor: r.obs.SlowDownFactor(),
		NeedStop:       r.obs.NeedStop(),
		Rerouting:      r.obs.IsReroute(),
		Zone:           r.obs.Zone(),
		SearchPoints:   r.det.SearchPoints(),
	}
	d.Fixes, d.AcceptedFixes, d.Found = r.events.counts()
	d.WheelRight, d.WheelLeft = r.drive.WheelSpeeds()
	if rec := r.recorder(); rec != nil {
		d.RunID = rec.RunID()
	}

	r.mu.Lock()
	d.Driving = r.driving
	d.Joystick = r.joystick
	d.Ticks = r.ticks
	d.Goals = r.goals
	d.LastTick = r.lastTick
	d.LastScan = r.lastScan
	d.LastTiltDeg = r.lastTilt
	d.SkippedScans = r.skippedScans
	r.mu.Unlock()
	return d
}

// AttachAdminRoutes mounts the diagnostics view and the mode controls under
// /debug/.
func (r *Rover) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("rover", "rover loop diagnostics (?particles=N)", func(w http.ResponseWriter, req *http.Request) {
		limit := defaultParticleLimit
		if s := req.URL.Query().Get("particles"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				httputil.BadRequest(w, "invalid particles")
				return
			}
			limit = n
		}
		httputil.WriteJSON(w, http.StatusOK, r.Diagnostics(limit))
	})

	debug.HandleSilentFunc("rover-control", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		var err error
		switch action := req.FormValue("action"); action {
		case "play":
			err = r.Play()
		case "pause":
			r.Pause()
		case "stop":
			err = r.Stop()
		case "record":
			err = r.Record()
		default:
			httputil.BadRequest(w, "unknown action "+strconv.Quote(action))
			return
		}
		if err != nil {
			httputil.Conflict(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
