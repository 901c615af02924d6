package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/ride-dispatch/internal/channel"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/driverclient"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return err
	}
	var (
		name    string
		vehicle string
		rating  float64
		at      string
		speed   float64
		pace    time.Duration
		decline bool
	)
	fs := pflag.NewFlagSet("driver", pflag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "dispatch server base URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "driver bearer token (a JWT, or the driver id when the server runs without one)")
	fs.DurationVar(&cfg.LocationInterval, "location-interval", cfg.LocationInterval, "how often to report position")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&name, "name", "", "display name shown to riders")
	fs.StringVar(&vehicle, "vehicle", "", "vehicle description")
	fs.Float64Var(&rating, "rating", 5, "driver rating")
	fs.StringVar(&at, "at", "", "starting position as lat,lng")
	fs.Float64Var(&speed, "speed", 12, "simulated speed in m/s")
	fs.DurationVar(&pace, "pace", 5*time.Second, "pause at pickup and before completing")
	fs.BoolVar(&decline, "decline", false, "decline every offer")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	start, err := models.ParseCoord(at)
	if err != nil {
		return fmt.Errorf("--at: %w", err)
	}

	logger := logging.NewLoggerTo(os.Stderr, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	car := &vehicleSim{pos: start, speed: speed, interval: cfg.LocationInterval}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+cfg.Token)
	ch := channel.New(channel.Options{
		URL:              cfg.EventURL(),
		Header:           hdr,
		Logger:           logger,
		MinBackoff:       cfg.MinBackoff,
		MaxBackoff:       cfg.MaxBackoff,
		Location:         car.step,
		LocationInterval: cfg.LocationInterval,
	})
	driverID := cfg.UserID()
	drv := driverclient.New(driverID, ch, logger)
	drv.OnOffer(func(o models.MatchOffer) {
		var err error
		if decline {
			err = drv.Decline(o.RideID)
		} else {
			err = drv.Accept(o.RideID)
		}
		if err != nil {
			logger.Warn("answer offer", "ride_id", o.RideID, "error", err)
		}
	})
	drv.OnUpdate(func(a driverclient.Assignment) {
		go advance(ctx, drv, car, a, pace, logger)
	})

	id := channel.Identity{UserID: driverID, UserType: events.UserDriver, DisplayName: name, Vehicle: vehicle, Rating: rating}
	if err := ch.Connect(ctx, id, car.sample()); err != nil {
		return err
	}
	defer ch.Disconnect()
	logger.Info("driver online", "driver_id", driverID, "lat", start.Lat, "lng", start.Lon)
	<-ctx.Done()
	return nil
}

// advance drives the trip forward one step per assignment update: head to
// the pickup and arrive, wait, start, drive to the destination, complete.
func advance(ctx context.Context, drv *driverclient.Driver, car *vehicleSim, a driverclient.Assignment, pace time.Duration, logger *slog.Logger) {
	var err error
	switch a.State {
	case models.StateAssigned:
		if !car.driveTo(ctx, a.Pickup.Coord) {
			return
		}
		err = drv.Arrive()
	case models.StateArrived:
		if !sleep(ctx, pace) {
			return
		}
		err = drv.StartTrip()
	case models.StateInProgress:
		if !car.driveTo(ctx, a.Destination.Coord) || !sleep(ctx, pace) {
			return
		}
		err = drv.CompleteTrip(nil)
	case models.StateCompleted, models.StateCancelled:
		car.park()
		logger.Info("ride finished", "ride_id", a.RideID, "state", a.State)
		return
	}
	if err != nil && !errors.Is(err, driverclient.ErrInvalidState) {
		logger.Warn("advance trip", "ride_id", a.RideID, "state", a.State, "error", err)
	}
}

// vehicleSim moves in a straight line toward its target at a fixed speed,
// one step per location report.
type vehicleSim struct {
	speed    float64
	interval time.Duration

	mu      sync.Mutex
	pos     models.Coord
	target  *models.Coord
	reached chan bool
}

func (v *vehicleSim) sample() *models.LocationSample {
	v.mu.Lock()
	defer v.mu.Unlock()
	return &models.LocationSample{Latitude: v.pos.Lat, Longitude: v.pos.Lon, CapturedAt: time.Now()}
}

// step is polled by the channel on every location tick.
func (v *vehicleSim) step() *models.LocationSample {
	v.mu.Lock()
	if v.target != nil {
		dist := eta.DistanceMeters(v.pos, *v.target)
		move := v.speed * v.interval.Seconds()
		if dist <= move {
			v.pos = *v.target
			v.finishLocked(true)
		} else {
			f := move / dist
			v.pos.Lat += (v.target.Lat - v.pos.Lat) * f
			v.pos.Lon += (v.target.Lon - v.pos.Lon) * f
		}
	}
	v.mu.Unlock()
	return v.sample()
}

// driveTo blocks until the vehicle reaches c. It reports false if ctx ends
// or the drive is abandoned by park or a new target.
func (v *vehicleSim) driveTo(ctx context.Context, c models.Coord) bool {
	v.mu.Lock()
	v.finishLocked(false)
	v.target = &c
	reached := make(chan bool, 1)
	v.reached = reached
	v.mu.Unlock()
	select {
	case ok := <-reached:
		return ok
	case <-ctx.Done():
		return false
	}
}

func (v *vehicleSim) park() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.finishLocked(false)
}

func (v *vehicleSim) finishLocked(arrived bool) {
	if v.target == nil {
		return
	}
	v.reached <- arrived
	v.target = nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
