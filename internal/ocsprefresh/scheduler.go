package ocsprefresh

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one refresh round. *Worker implements it.
type Job interface {
	Execute(ctx context.Context) error
}

// State is the scheduler's position in the refresh state machine.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateBackoffWait
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateBackoffWait:
		return "backoff-wait"
	default:
		return "unknown"
	}
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// BaseDelay seeds the failure backoff.
	BaseDelay time.Duration
	// Interval is the refresh cadence after a success and the backoff cap.
	Interval time.Duration
	// Changes triggers a Reschedule on every receive. Optional.
	Changes <-chan struct{}

	Metrics *Metrics
	Logger  *zap.Logger

	// OnSchedule is called from the loop whenever the timer is armed.
	OnSchedule func(delay time.Duration)
}

type cmdKind int

const (
	cmdCancel cmdKind = iota
	cmdReschedule
)

type command struct {
	kind cmdKind
	ack  chan struct{}
}

// Scheduler runs a Job from a single loop. The loop owns the timer and the
// backoff state; Cancel and Reschedule reach it over a channel.
type Scheduler struct {
	job     Job
	cfg     SchedulerConfig
	backoff *Backoff

	cmds    chan command
	done    chan struct{}
	started atomic.Bool
	state   atomic.Int32
	next    atomic.Int64 // unix nanos of the armed timer, 0 if none
}

// NewScheduler returns a scheduler for job.
func NewScheduler(job Job, cfg SchedulerConfig) (*Scheduler, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}
	if cfg.BaseDelay <= 0 {
		return nil, errors.New("base delay must be positive")
	}
	if cfg.Interval < cfg.BaseDelay {
		return nil, errors.New("interval must not be shorter than the base delay")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		job:     job,
		cfg:     cfg,
		backoff: NewBackoff(cfg.BaseDelay, cfg.Interval),
		cmds:    make(chan command),
		done:    make(chan struct{}),
	}, nil
}

// State returns the current state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// NextRun returns when the timer fires next, or the zero time if it is not
// armed.
func (s *Scheduler) NextRun() time.Time {
	n := s.next.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run executes the job immediately, then on the schedule computed by the
// backoff, until ctx is cancelled. An in-flight round is interrupted on
// shutdown and its result discarded.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer close(s.done)

	l := &loop{s: s, timer: time.NewTimer(time.Hour), changes: s.cfg.Changes}
	l.timer.Stop()
	defer l.timer.Stop()
	l.arm(0)

	for {
		var timerC <-chan time.Time
		if l.armed {
			timerC = l.timer.C
		}
		select {
		case <-ctx.Done():
			l.abort()
			s.state.Store(int32(StateIdle))
			s.cfg.Logger.Info("OCSP refresh scheduler stopped")
			return nil

		case <-timerC:
			l.armed = false
			l.start(ctx)

		case err := <-l.fetchDone:
			l.finish(err)

		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdCancel:
				l.cancel()
			case cmdReschedule:
				l.reschedule()
			}
			close(cmd.ack)

		case _, ok := <-l.changes:
			if !ok {
				l.changes = nil
				continue
			}
			s.cfg.Logger.Info("Trust anchors changed, rescheduling OCSP refresh")
			l.reschedule()
		}
	}
}

// Cancel aborts the pending or in-flight fetch without feeding the backoff
// and leaves the scheduler idle until Reschedule. It blocks until the loop
// has handled it.
func (s *Scheduler) Cancel() { s.send(cmdCancel) }

// Reschedule recomputes the next fetch: immediately after a success,
// at the current backoff delay while failing. During a fetch it queues
// another round.
func (s *Scheduler) Reschedule() { s.send(cmdReschedule) }

func (s *Scheduler) send(kind cmdKind) {
	cmd := command{kind: kind, ack: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return
	}
	select {
	case <-cmd.ack:
	case <-s.done:
	}
}

// loop is the state owned by Run.
type loop struct {
	s       *Scheduler
	timer   *time.Timer
	armed   bool
	changes <-chan struct{}

	fetchCancel context.CancelFunc
	fetchDone   chan error
	rerun       bool
}

func (l *loop) arm(delay time.Duration) {
	l.timer.Stop()
	l.timer.Reset(delay)
	l.armed = true
	l.s.next.Store(time.Now().Add(delay).UnixNano())
	if l.s.cfg.Metrics != nil {
		l.s.cfg.Metrics.NextRefresh.Set(delay.Seconds())
	}
	if l.s.cfg.OnSchedule != nil {
		l.s.cfg.OnSchedule(delay)
	}
}

func (l *loop) disarm() {
	l.timer.Stop()
	l.armed = false
	l.s.next.Store(0)
}

func (l *loop) start(ctx context.Context) {
	fctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	l.fetchCancel, l.fetchDone = cancel, done
	l.s.next.Store(0)
	l.s.state.Store(int32(StateFetching))
	go func() { done <- l.s.job.Execute(fctx) }()
}

func (l *loop) finish(err error) {
	l.fetchCancel()
	l.fetchCancel, l.fetchDone = nil, nil

	delay := l.s.backoff.Next(err == nil)
	if err != nil {
		l.s.state.Store(int32(StateBackoffWait))
		l.s.cfg.Logger.Warn("OCSP refresh round failed, backing off",
			zap.Duration("retry_in", delay), zap.Error(err))
	} else {
		l.s.state.Store(int32(StateIdle))
		l.s.cfg.Logger.Info("OCSP refresh round succeeded", zap.Duration("next_in", delay))
		if l.rerun {
			delay = 0
		}
	}
	l.rerun = false
	l.arm(delay)
}

// abort interrupts an in-flight fetch and waits for it.
func (l *loop) abort() {
	l.disarm()
	if l.fetchCancel == nil {
		return
	}
	l.fetchCancel()
	<-l.fetchDone
	l.fetchCancel, l.fetchDone = nil, nil
}

func (l *loop) cancel() {
	l.abort()
	l.rerun = false
	l.s.state.Store(int32(StateIdle))
	l.s.cfg.Logger.Info("OCSP refresh cancelled")
}

func (l *loop) reschedule() {
	switch {
	case l.fetchDone != nil:
		l.rerun = true
	case l.s.backoff.State().Failed:
		l.s.state.Store(int32(StateBackoffWait))
		l.arm(l.s.backoff.Current())
	default:
		l.arm(0)
	}
}
