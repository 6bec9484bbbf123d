package cfddns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MinInterval is the shortest interval a Scheduler accepts.
const MinInterval = 1 * time.Minute

// Ticker runs one update tick for one target. *Engine implements it.
type Ticker interface {
	Tick(ctx context.Context, t Target) TickResult
}

// Scheduler runs a Ticker for every target on a fixed interval.
//
// Each target has its own goroutine, so ticks of one target never overlap
// and a slow target does not delay the others.
// The first tick for every target happens immediately on Start.
type Scheduler struct {
	ticker   Ticker
	interval time.Duration
	targets  []Target
	logger   logrus.FieldLogger
	onResult func(TickResult)

	mu       sync.Mutex
	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(logger logrus.FieldLogger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// OnResult registers fn to be called with the result of every tick.
// fn is called from the target's goroutine and must not block for long.
func OnResult(fn func(TickResult)) SchedulerOption {
	return func(s *Scheduler) { s.onResult = fn }
}

// NewScheduler constructs a Scheduler. Intervals below MinInterval are raised to MinInterval.
func NewScheduler(ticker Ticker, interval time.Duration, targets []Target, options ...SchedulerOption) *Scheduler {
	if interval < MinInterval {
		interval = MinInterval
	}
	s := &Scheduler{
		ticker:   ticker,
		interval: interval,
		targets:  append([]Target(nil), targets...),
		logger:   discard,
		stop:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Start launches one loop per target and returns immediately.
// Cancelling ctx stops the loops after any in-flight tick completes;
// the tick itself is never cancelled by ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if s.ticker == nil {
		return errors.New("scheduler has no ticker")
	}
	s.started = true

	tickCtx := context.WithoutCancel(ctx)
	for _, t := range s.targets {
		s.wg.Add(1)
		go s.loop(ctx, tickCtx, t)
	}
	s.logger.Infof("scheduler started for %d targets every %s", len(s.targets), s.interval)
	return nil
}

// Stop prevents new ticks and blocks until in-flight ticks have finished.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Wait blocks until every loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx, tickCtx context.Context, t Target) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		// a stop requested while the previous tick ran wins over a pending tick
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.runTick(tickCtx, t)

		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context, t Target) {
	log := s.logger.WithField("record", t.RecordName)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("tick panicked: %v", r)
		}
	}()

	res := s.ticker.Tick(ctx, t)
	switch {
	case res.Err != nil:
		log.Warnf("tick ended in %s: %s", res.State, res.Err)
	default:
		log.Debugf("tick ended in %s", res.State)
	}
	if s.onResult != nil {
		s.onResult(res)
	}
}

func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler(%d targets, every %s)", len(s.targets), s.interval)
}
