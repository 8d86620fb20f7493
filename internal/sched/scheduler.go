package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"telemetry-engine/internal/fetch"
	"telemetry-engine/internal/telemetry"
)

const (
	DefaultForegroundInterval = 30 * time.Second
	DefaultBackgroundInterval = 15 * time.Minute

	// BackgroundTaskName is the name the refresh callback is registered under.
	BackgroundTaskName = "telemetry-refresh"
)

var (
	ErrCycleInFlight = errors.New("fetch cycle already in flight")
	ErrNoSession     = errors.New("no active session")
)

type Cycle interface {
	Run(ctx context.Context, req fetch.Request) (telemetry.Result, error)
}

// Credentials is the auth collaborator's view used by the background path.
type Credentials interface {
	Credential() (token, deviceID string, ok bool)
	Clear()
}

type Emitter interface {
	PublishLocation(res telemetry.Result) error
	PublishTrip(deviceID string, trip telemetry.Trip) error
}

type Metrics interface {
	CycleObserve(source telemetry.Source, failed bool, d time.Duration)
	TriggerSkipped(trigger string)
	ClosedTripsAdd(n int)
	StateSet(state State)
}

type Options struct {
	ForegroundInterval time.Duration
	BackgroundInterval time.Duration
	Emitter            Emitter
	Metrics            Metrics
	Logger             *slog.Logger
}

// Status is a snapshot of the scheduler and the last cycle it ran.
type Status struct {
	State      string           `json:"state"`
	Mode       string           `json:"mode,omitempty"`
	Foreground bool             `json:"foreground"`
	InFlight   bool             `json:"inFlight"`
	LastRun    *time.Time       `json:"lastRun,omitempty"`
	LastSource telemetry.Source `json:"lastSource,omitempty"`
	LastAsOf   *time.Time       `json:"lastAsOf,omitempty"`
	LastPoints int              `json:"lastPoints"`
	LastError  string           `json:"lastError,omitempty"`
}

// Scheduler owns the polling modes and the engine-wide fetch guard.
type Scheduler struct {
	cycle    Cycle
	bg       BackgroundScheduler
	creds    Credentials
	interval time.Duration
	bgEvery  time.Duration
	emitter  Emitter
	metrics  Metrics
	logger   *slog.Logger

	// events serializes Handle; it is never taken by a fetch.
	events sync.Mutex
	// guard is held for the whole of a Fetch Cycle.
	guard    sync.Mutex
	inFlight atomic.Bool

	mu         sync.Mutex
	state      State
	foreground bool
	last       *telemetry.Result
	lastErr    error
	lastRun    time.Time

	timerCancel context.CancelFunc
	timerWG     sync.WaitGroup

	posted sync.WaitGroup
}

func New(cycle Cycle, bg BackgroundScheduler, creds Credentials, opts Options) *Scheduler {
	if opts.ForegroundInterval <= 0 {
		opts.ForegroundInterval = DefaultForegroundInterval
	}
	if opts.BackgroundInterval <= 0 {
		opts.BackgroundInterval = DefaultBackgroundInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cycle:    cycle,
		bg:       bg,
		creds:    creds,
		interval: opts.ForegroundInterval,
		bgEvery:  opts.BackgroundInterval,
		emitter:  opts.Emitter,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "scheduler"),
	}
}

// Handle delivers a lifecycle event and runs the resulting actions. It must
// not be called from inside a Fetch Cycle; use Post there.
func (s *Scheduler) Handle(ctx context.Context, ev Event) error {
	s.events.Lock()
	defer s.events.Unlock()

	s.mu.Lock()
	cur := s.state
	step := Transition(cur, s.foreground, ev)
	s.foreground = step.Foreground
	s.mu.Unlock()

	for _, a := range step.Actions {
		switch a {
		case ActionRegisterBackground:
			if err := s.bg.Register(BackgroundTaskName, s.bgEvery, s.backgroundRefresh); err != nil {
				s.logger.Error("register background refresh failed", "err", err)
				return err
			}
		case ActionUnregisterBackground:
			if err := s.bg.Unregister(BackgroundTaskName); err != nil {
				s.logger.Warn("unregister background refresh failed", "err", err)
			}
		case ActionStartTimer:
			s.startTimer(has(step.Actions, ActionFetchNow))
		case ActionStopTimer:
			s.stopTimer()
		case ActionClearCredentials:
			// wait out a cycle still writing with the old credential
			s.guard.Lock()
			s.creds.Clear()
			s.guard.Unlock()
		}
	}

	s.mu.Lock()
	s.state = step.Next
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.StateSet(step.Next)
	}
	if cur != step.Next {
		s.logger.Info("mode changed", "event", ev.String(), "from", cur.String(), "to", step.Next.String())
	}
	return nil
}

// Post delivers an event asynchronously. It is safe to call from a Fetch
// Cycle collaborator such as the sign-out hook.
func (s *Scheduler) Post(ev Event) {
	s.posted.Add(1)
	go func() {
		defer s.posted.Done()
		if err := s.Handle(context.Background(), ev); err != nil {
			s.logger.Error("posted event failed", "event", ev.String(), "err", err)
		}
	}()
}

// Refresh runs one foreground Fetch Cycle now. It returns ErrCycleInFlight
// without running anything when another cycle holds the guard.
func (s *Scheduler) Refresh(ctx context.Context) (telemetry.Result, error) {
	res, ran, err := s.fetch(ctx, "manual", false)
	if !ran {
		return telemetry.Result{}, ErrCycleInFlight
	}
	return res, err
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:      s.state.String(),
		Foreground: s.foreground,
		InFlight:   s.inFlight.Load(),
	}
	if m, ok := s.state.Mode(); ok {
		st.Mode = m.String()
	}
	if !s.lastRun.IsZero() {
		run := s.lastRun
		st.LastRun = &run
	}
	if s.last != nil {
		st.LastSource = s.last.Source
		st.LastPoints = len(s.last.Points)
		if !s.last.AsOf.IsZero() {
			asOf := s.last.AsOf
			st.LastAsOf = &asOf
		}
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Last returns the most recent cycle result, if any.
func (s *Scheduler) Last() (telemetry.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return telemetry.Result{}, false
	}
	return *s.last, true
}

// Shutdown waits for posted events and drives the scheduler to Idle.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.posted.Wait()
		_ = s.Handle(context.Background(), EventLogout)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) startTimer(immediate bool) {
	ctx, cancel := context.WithCancel(context.Background())
	s.timerCancel = cancel
	s.timerWG.Add(1)
	go func() {
		defer s.timerWG.Done()
		if immediate {
			s.fetch(ctx, "foreground", false)
		}
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fetch(ctx, "foreground", false)
			}
		}
	}()
}

func (s *Scheduler) stopTimer() {
	if s.timerCancel != nil {
		s.timerCancel()
		s.timerCancel = nil
	}
	s.timerWG.Wait()
}

func (s *Scheduler) backgroundRefresh(ctx context.Context) {
	s.fetch(ctx, "background", true)
}

// fetch runs one guarded cycle. The bool is false when the guard was already
// held and nothing ran.
func (s *Scheduler) fetch(ctx context.Context, trigger string, background bool) (telemetry.Result, bool, error) {
	if !s.guard.TryLock() {
		s.logger.Debug("fetch skipped, cycle in flight", "trigger", trigger)
		if s.metrics != nil {
			s.metrics.TriggerSkipped(trigger)
		}
		return telemetry.Result{}, false, nil
	}
	defer s.guard.Unlock()
	s.inFlight.Store(true)
	defer s.inFlight.Store(false)

	token, deviceID, ok := s.creds.Credential()
	if !ok {
		return telemetry.Result{}, true, ErrNoSession
	}

	// a running cycle is never cancelled by a mode change
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	res, err := s.cycle.Run(ctx, fetch.Request{Credential: token, DeviceID: deviceID, Background: background})
	elapsed := time.Since(start)

	s.mu.Lock()
	s.last = &res
	s.lastErr = err
	s.lastRun = time.Now().UTC()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.CycleObserve(res.Source, err != nil, elapsed)
		s.metrics.ClosedTripsAdd(len(res.ClosedTrips))
	}
	if !telemetry.IsSignOut(err) {
		s.emit(res)
	}
	return res, true, err
}

func (s *Scheduler) emit(res telemetry.Result) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.PublishLocation(res); err != nil {
		s.logger.Warn("publish location failed", "device", res.DeviceID, "err", err)
	}
	for _, t := range res.ClosedTrips {
		if err := s.emitter.PublishTrip(res.DeviceID, t); err != nil {
			s.logger.Warn("publish trip failed", "trip", t.ID, "err", err)
		}
	}
}
