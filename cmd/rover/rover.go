package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/db"
	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/imu"
	"github.com/banshee-data/rover/internal/localizer"
	"github.com/banshee-data/rover/internal/navigator"
	"github.com/banshee-data/rover/internal/obstacle"
	"github.com/banshee-data/rover/internal/rover"
	"github.com/banshee-data/rover/internal/serialmux"
	"github.com/banshee-data/rover/internal/sim"
	"github.com/banshee-data/rover/internal/target"
	"github.com/banshee-data/rover/internal/timeutil"
	"github.com/banshee-data/rover/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a rover JSON config (defaults are built in)")
	trailPath  = flag.String("trail", "trail.csv", "Trail file to record to or play from")
	record     = flag.Bool("record", false, "Start recording the trail immediately")
	play       = flag.Bool("play", false, "Start playing the trail immediately")
	loop       = flag.Bool("loop", false, "Restart playback from the first waypoint at the goal")
	dbPath     = flag.String("db", "rover.db", "Run database path")
	listen     = flag.String("listen", ":8080", "Listen address for the debug server")
	imuPort    = flag.String("imu-port", "", "IMU serial port (empty disables the IMU unless -dev)")
	imuBaud    = flag.Int("imu-baud", 0, "IMU baud rate (0 uses the config value)")
	devMode    = flag.Bool("dev", false, "Run against the simulated base, scanner and IMU")
	seek       = flag.Int("seek", 0, "Waypoints to skip when playback starts")
	showVer    = flag.Bool("version", false, "Print the build version and exit")
)

const (
	baseStepPeriod = 20 * time.Millisecond
	scanPeriod     = 50 * time.Millisecond
	recorderQueue  = 256

	// the simulated odometry over-reads by 2%
	simOdometryScale = 1.02
)

// options is the validated command line.
type options struct {
	configPath string
	trailPath  string
	record     bool
	play       bool
	loop       bool
	dbPath     string
	listen     string
	imuPort    string
	imuBaud    int
	dev        bool
	seek       int
}

func optionsFromFlags() options {
	return options{
		configPath: *configPath,
		trailPath:  *trailPath,
		record:     *record,
		play:       *play,
		loop:       *loop,
		dbPath:     *dbPath,
		listen:     *listen,
		imuPort:    *imuPort,
		imuBaud:    *imuBaud,
		dev:        *devMode,
		seek:       *seek,
	}
}

func (o options) validate() error {
	if o.listen == "" {
		return errors.New("listen address is required")
	}
	if o.trailPath == "" {
		return errors.New("trail file is required")
	}
	if o.record && o.play {
		return errors.New("-record and -play are mutually exclusive")
	}
	if o.seek < 0 {
		return fmt.Errorf("-seek must not be negative, got %d", o.seek)
	}
	if o.seek > 0 && !o.play {
		return errors.New("-seek requires -play")
	}
	if o.imuBaud < 0 {
		return fmt.Errorf("-imu-baud must not be negative, got %d", o.imuBaud)
	}
	return nil
}

// loadConfig reads the tuning file, or the built-in defaults when path is
// empty, and applies the command line overrides.
func loadConfig(o options) (*config.RoverConfig, error) {
	cfg := config.EmptyConfig()
	if o.configPath != "" {
		var err error
		cfg, err = config.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
	}
	if o.loop {
		loop := true
		cfg.LoopPlayback = &loop
	}
	if o.imuBaud > 0 {
		baud := o.imuBaud
		cfg.IMUBaudRate = &baud
	}
	return cfg, cfg.Validate()
}

func openIMU(o options, cfg *config.RoverConfig, base *sim.Base) (serialmux.SerialMuxInterface, error) {
	switch {
	case o.imuPort != "":
		mux, err := serialmux.NewRealSerialMux(o.imuPort, serialmux.PortOptions{BaudRate: cfg.GetIMUBaudRate()})
		if err != nil {
			return nil, err
		}
		mux.SetTerminator("")
		return mux, nil
	case o.dev:
		mux := serialmux.NewSerialMux(sim.NewIMUPort(base))
		mux.SetTerminator("")
		return mux, nil
	default:
		return serialmux.NewDisabledSerialMux(), nil
	}
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}
	log.Print(version.String())
	opts := optionsFromFlags()
	if err := opts.validate(); err != nil {
		log.Fatal(err)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	clock := timeutil.RealClock{}

	loc, err := localizer.New(localizer.ConfigFromTuning(cfg))
	if err != nil {
		log.Fatalf("failed to create localizer: %v", err)
	}
	nav := navigator.New(navigator.ConfigFromTuning(cfg), loc, clock)
	if err := nav.SetTrailFile(opts.trailPath); err != nil {
		log.Fatalf("failed to set trail file: %v", err)
	}
	obs := obstacle.NewMonitor(obstacle.ConfigFromTuning(cfg), clock)
	det := target.NewDetector(target.ConfigFromTuning(cfg))

	// Without wheel encoder and scanner drivers the base integrates the
	// commanded wheel speeds and no scans arrive.
	var scanner *sim.Scanner
	base := sim.NewBase(cfg.GetWheelTread(), 1, geometry.Pose{})
	if opts.dev {
		base = sim.NewBase(cfg.GetWheelTread(), simOdometryScale, geometry.Pose{})
		scanner = sim.NewScanner(base, sim.Corridor(20, 2, 8, 1.2), cfg.GetReferenceRangeMM(), clock)
	} else {
		log.Print("no wheel encoder driver, odometry follows commanded wheel speeds")
	}

	imuSerial, err := openIMU(opts, cfg, base)
	if err != nil {
		log.Fatalf("failed to open IMU port: %v", err)
	}
	defer imuSerial.Close()
	board := imu.New(imuSerial, imu.ConfigFromTuning(cfg), clock)

	runDB, err := db.OpenDB(opts.dbPath)
	if err != nil {
		log.Fatalf("failed to open run database: %v", err)
	}
	defer runDB.Close()
	recorder := rover.NewRecorder(runDB, clock, recorderQueue)

	sensors := rover.Sensors{Odometry: base, Heading: board}
	if scanner != nil {
		sensors.Scans = scanner
	}
	drive := rover.NewDifferentialDrive(base, cfg.GetWheelTread(), cfg.GetMaxWheelSpeed())
	r, err := rover.New(rover.ConfigFromTuning(cfg), rover.Subsystems{
		Navigator: nav,
		Localizer: loc,
		Obstacles: obs,
		Detector:  det,
	}, sensors, drive, clock)
	if err != nil {
		log.Fatalf("failed to create rover: %v", err)
	}
	r.SetRecorder(recorder)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// serial monitor for the IMU board
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := imuSerial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("IMU monitor stopped: %v", err)
		}
		log.Print("IMU monitor routine terminated")
	}()

	if err := board.Reset(); err != nil {
		log.Printf("failed to reset IMU: %v", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := board.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("IMU routine stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		recorder.Run(ctx)
		log.Print("recorder routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		base.Run(ctx, clock, baseStepPeriod)
	}()
	if scanner != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanner.Run(ctx, scanPeriod)
		}()
	}

	switch {
	case opts.record:
		if err := r.Record(); err != nil {
			log.Fatalf("failed to start recording: %v", err)
		}
	case opts.play:
		if err := r.Play(); err != nil {
			log.Fatalf("failed to start playback: %v", err)
		}
		if opts.seek > 0 {
			if err := nav.Seek(opts.seek); err != nil {
				log.Printf("failed to seek: %v", err)
			}
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("rover loop stopped: %v", err)
		}
		if err := r.Stop(); err != nil {
			log.Printf("failed to stop: %v", err)
		}
		if err := nav.Close(); err != nil {
			log.Printf("failed to close navigator: %v", err)
		}
		log.Print("rover routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		imuSerial.AttachAdminRoutes(mux)
		board.AttachAdminRoutes(mux)
		if err := runDB.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach database routes: %v", err)
		}
		r.AttachAdminRoutes(mux)

		h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			log.Printf("got request %q", req.URL.Path)
			mux.ServeHTTP(w, req)
		})
		server := &http.Server{
			Addr:    opts.listen,
			Handler: h,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
