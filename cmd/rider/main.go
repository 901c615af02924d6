package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/example/ride-dispatch/internal/channel"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ridestate"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	cfg     config.ClientConfig
	pickup  string
	dest    string
	class   string
	payment string
	at      string
}

func run(args []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return err
	}
	opts := options{cfg: cfg}

	fs := pflag.NewFlagSet("rider", pflag.ContinueOnError)
	fs.StringVar(&opts.cfg.ServerURL, "server", cfg.ServerURL, "dispatch server base URL")
	fs.StringVar(&opts.cfg.Token, "token", cfg.Token, "rider bearer token (a JWT, or the rider id when the server runs without one)")
	fs.StringVar(&opts.cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for local ride history (empty keeps it in memory)")
	fs.DurationVar(&opts.cfg.SearchTimeout, "search-timeout", cfg.SearchTimeout, "give up searching after this long")
	fs.StringVar(&opts.cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&opts.pickup, "pickup", "", "pickup as lat,lng")
	fs.StringVar(&opts.dest, "dest", "", "destination as lat,lng")
	fs.StringVar(&opts.class, "class", string(models.VehicleStandard), "vehicle class")
	fs.StringVar(&opts.payment, "payment", "", "payment method id")
	fs.StringVar(&opts.at, "at", "", "RFC3339 time for schedule")
	fs.Usage = func() { printUsage(fs) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		printUsage(fs)
		return fmt.Errorf("expected exactly one command")
	}
	if err := opts.cfg.Validate(); err != nil {
		return err
	}

	logger := logging.NewLoggerTo(os.Stderr, opts.cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := dispatch.NewService(opts.cfg.ServerURL, dispatch.StaticToken(opts.cfg.Token), logger)
	history, closeHistory := openHistory(opts.cfg)
	defer closeHistory()

	switch cmd := fs.Arg(0); cmd {
	case "estimate":
		return estimate(ctx, svc, opts)
	case "request":
		req, err := opts.request()
		if err != nil {
			return err
		}
		return follow(ctx, svc, history, opts.cfg, logger, func(m *ridestate.Machine) (bool, error) {
			_, err := m.Request(ctx, req)
			return err == nil, err
		})
	case "recover":
		return follow(ctx, svc, history, opts.cfg, logger, func(m *ridestate.Machine) (bool, error) {
			return m.Recover(ctx)
		})
	case "schedule":
		return schedule(ctx, history, opts)
	case "scheduled":
		return listScheduled(ctx, history)
	case "history":
		return listHistory(ctx, history)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage: rider [flags] <command>

Commands:
  estimate    show fares for every vehicle class
  request     request a ride and follow it until it ends
  recover     pick up the ride the server says is active
  schedule    save a request for later (--at)
  scheduled   list saved requests
  history     list past rides

Flags:
%s`, fs.FlagUsages())
}

func (o options) request() (models.RideRequest, error) {
	pickup, err := models.ParseCoord(o.pickup)
	if err != nil {
		return models.RideRequest{}, fmt.Errorf("--pickup: %w", err)
	}
	dest, err := models.ParseCoord(o.dest)
	if err != nil {
		return models.RideRequest{}, fmt.Errorf("--dest: %w", err)
	}
	req := models.RideRequest{
		Pickup:          models.Place{Coord: pickup},
		Destination:     models.Place{Coord: dest},
		VehicleClass:    models.VehicleClass(o.class),
		PaymentMethodID: o.payment,
	}
	return req, req.Validate()
}

func openHistory(cfg config.ClientConfig) (storage.HistoryStore, func()) {
	if cfg.RedisAddr == "" {
		return storage.NewMemoryHistory(), func() {}
	}
	h := storage.NewRedisHistory(cfg.RedisAddr, cfg.RedisPassword, cfg.UserID())
	return h, func() { _ = h.Close() }
}

func estimate(ctx context.Context, svc *dispatch.Service, o options) error {
	pickup, err := models.ParseCoord(o.pickup)
	if err != nil {
		return fmt.Errorf("--pickup: %w", err)
	}
	dest, err := models.ParseCoord(o.dest)
	if err != nil {
		return fmt.Errorf("--dest: %w", err)
	}
	ests, err := svc.Estimate(ctx, pickup, dest)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tFARE\tDISTANCE\tDURATION")
	for _, e := range ests {
		fmt.Fprintf(w, "%s\t%.2f\t%.1f km\t%s\n", e.VehicleClass, e.Fare, e.DistanceMeters/1000,
			(time.Duration(e.DurationSeconds) * time.Second).Round(time.Second))
	}
	return w.Flush()
}

// follow connects the event channel, starts the ride with begin and prints
// every transition until the ride ends. Cancelling ctx (an interrupt) cancels
// the ride; the channel stays up until that cancel settles so the
// ride-cancelled event can still arrive.
func follow(ctx context.Context, svc *dispatch.Service, history storage.HistoryStore, cfg config.ClientConfig, logger *slog.Logger, begin func(*ridestate.Machine) (bool, error)) error {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+cfg.Token)
	ch := channel.New(channel.Options{
		URL:        cfg.EventURL(),
		Header:     hdr,
		Logger:     logger,
		MinBackoff: cfg.MinBackoff,
		MaxBackoff: cfg.MaxBackoff,
	})
	chCtx, chCancel := context.WithCancel(context.Background())
	defer chCancel()
	if err := ch.Connect(chCtx, channel.Identity{UserID: cfg.UserID(), UserType: events.UserRider}, nil); err != nil {
		return err
	}
	defer ch.Disconnect()
	if err := ch.WaitConnected(ctx); err != nil {
		return fmt.Errorf("event channel: %w", err)
	}

	m := ridestate.New(ridestate.Config{
		Dispatcher:       svc,
		History:          history,
		Logger:           logger,
		SearchTimeout:    cfg.SearchTimeout,
		CancelAckTimeout: cfg.CancelAckTimeout,
	})
	done := make(chan ridestate.Snapshot, 1)
	m.OnTransition(func(tr ridestate.Transition) {
		if tr.From == tr.To {
			return
		}
		printSnapshot(tr.Snapshot)
		if tr.To.Terminal() {
			select {
			case done <- tr.Snapshot:
			default:
			}
		}
	})
	m.Attach(ch)

	started, err := begin(m)
	if err != nil {
		return err
	}
	if !started {
		fmt.Println("no active ride")
		return nil
	}
	if s := m.Snapshot(); s.State.Terminal() {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	// interrupted: try to cancel, then wait briefly for the outcome
	cctx, cancel := context.WithTimeout(context.Background(), cfg.CancelAckTimeout+5*time.Second)
	defer cancel()
	if err := m.UserCancel(cctx, "rider_interrupted"); err != nil {
		return fmt.Errorf("ride left running: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-cctx.Done():
		return fmt.Errorf("cancel not confirmed: %w", cctx.Err())
	}
}

func printSnapshot(s ridestate.Snapshot) {
	line := string(s.State)
	if s.StatusText != "" {
		line += ": " + s.StatusText
	}
	if r := s.Ride; r != nil {
		if d := r.AssignedDriver; d != nil && s.State == models.StateAssigned {
			line += fmt.Sprintf(" (driver %s, %s)", d.ID, (time.Duration(s.ETASeconds) * time.Second).Round(time.Second))
		}
		if r.FinalFare != nil {
			line += fmt.Sprintf(" fare %.2f", *r.FinalFare)
		}
		if c := r.Cancellation; c != nil && c.RefundAmount != nil {
			line += fmt.Sprintf(" refund %.2f", *c.RefundAmount)
		}
	}
	fmt.Println(line)
}

func schedule(ctx context.Context, history storage.HistoryStore, o options) error {
	req, err := o.request()
	if err != nil {
		return err
	}
	at, err := time.Parse(time.RFC3339, o.at)
	if err != nil {
		return fmt.Errorf("--at: %w", err)
	}
	now := time.Now()
	if !at.After(now) {
		return fmt.Errorf("--at must be in the future")
	}
	s := models.ScheduledRide{ID: uuid.NewString(), Request: req, ScheduledFor: at, CreatedAt: now}
	if err := history.SaveScheduled(ctx, s); err != nil {
		return err
	}
	fmt.Println(s.ID)
	return nil
}

func listScheduled(ctx context.Context, history storage.HistoryStore) error {
	list, err := history.ListScheduled(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAT\tCLASS")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.ScheduledFor.Format(time.RFC3339), s.Request.VehicleClass)
	}
	return w.Flush()
}

func listHistory(ctx context.Context, history storage.HistoryStore) error {
	rides, err := history.ListRides(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tCREATED\tFARE")
	for _, r := range rides {
		fare := r.EstimatedFare
		if r.FinalFare != nil {
			fare = *r.FinalFare
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\n", r.ID, r.State, r.CreatedAt.Format(time.RFC3339), fare)
	}
	return w.Flush()
}
