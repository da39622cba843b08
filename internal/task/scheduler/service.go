package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "conduction/pkg/logx"
)

// ErrRunning is returned by RunNow while the job is already in flight.
var ErrRunning = errors.New("scheduler: job already running")

type Config struct {
	Enabled  bool
	Location *time.Location
}

// Job is one maintenance task.
type Job struct {
	Name     string
	Schedule string
	// Timeout bounds a single run. Zero means no timeout.
	Timeout time.Duration
	// Delay postpones every triggered run by a random amount in the window.
	Delay Window
	Run   func(ctx context.Context) error
	// OnError receives run errors. Optional.
	OnError func(ctx context.Context, err error)
}

type ScheduleInfo struct {
	Name     string
	Spec     string
	Next     time.Time
	Prev     time.Time
	Running  bool
	LastRun  time.Time
	LastTook time.Duration
	LastErr  string
	Runs     uint64
}

type entry struct {
	job      Job
	spec     string
	entryID  cron.EntryID
	schedule cron.Schedule

	running atomic.Bool
	runs    atomic.Uint64

	mu       sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	c    *cron.Cron
	ctx  context.Context
	jobs map[string]*entry
	wg   sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Service{cfg: cfg, log: log, jobs: map[string]*entry{}}
}

// Add registers job, replacing a job with the same name.
func (s *Service) Add(job Job) error {
	if strings.TrimSpace(job.Name) == "" {
		return errors.New("scheduler: name required")
	}
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %s has no run func", job.Name)
	}
	ps, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{job: job}
	switch ps.Kind {
	case SpecCron:
		e.spec = ps.Cron
		if e.schedule, err = parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("scheduler: job %s: %w", job.Name, err)
		}
	default:
		e.spec = "@every " + ps.Every.String()
		var spread time.Duration
		e.schedule, spread = spreadInterval(ps.Every, time.Now())
		s.log.Debug("interval spread", logx.String("name", job.Name), logx.Duration("spread", spread))
	}
	if old := s.jobs[job.Name]; old != nil && s.c != nil {
		s.c.Remove(old.entryID)
	}
	s.jobs[job.Name] = e
	if s.c != nil {
		s.register(e)
	}
	return nil
}

func (s *Service) register(e *entry) {
	e.entryID = s.c.Schedule(e.schedule, cron.FuncJob(func() { s.trigger(e) }))
	s.log.Debug("schedule registered", logx.String("name", e.job.Name), logx.String("spec", e.spec),
		logx.Time("next", e.schedule.Next(time.Now().In(s.cfg.Location))))
}

// Start begins triggering. Jobs stop with ctx or Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		if !s.cfg.Enabled {
			s.log.Info("scheduler disabled")
		}
		return
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.cfg.Location))
	for _, e := range s.jobs {
		s.register(e)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.cfg.Location.String()), logx.Int("schedules", len(s.jobs)))
}

// Stop stops triggering and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("jobs still running at stop")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) trigger(e *entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", e.job.Name), logx.String("reason", "still running"))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.running.Store(false)
		if d := e.job.Delay.pick(); d > 0 {
			s.log.Debug("job delayed", logx.String("name", e.job.Name), logx.Duration("delay", d))
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		_ = s.run(ctx, e)
	}()
}

// RunNow runs the named job synchronously, without the start delay.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e := s.jobs[name]
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer e.running.Store(false)
	return s.run(ctx, e)
}

func (s *Service) run(ctx context.Context, e *entry) (err error) {
	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("job panicked", logx.String("name", e.job.Name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("job %s panicked: %v", e.job.Name, p)
		}
		took := time.Since(start)
		e.runs.Add(1)
		e.mu.Lock()
		e.lastRun, e.lastTook, e.lastErr = start, took, ""
		if err != nil {
			e.lastErr = err.Error()
		}
		e.mu.Unlock()
		if err != nil {
			s.log.Warn("job failed", logx.String("name", e.job.Name), logx.Duration("took", took), logx.Err(err))
			if e.job.OnError != nil {
				e.job.OnError(context.WithoutCancel(ctx), err)
			}
			return
		}
		s.log.Info("job finished", logx.String("name", e.job.Name), logx.Duration("took", took))
	}()
	return e.job.Run(ctx)
}

// Snapshot lists registered jobs by name.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	c := s.c
	out := make([]ScheduleInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		info := ScheduleInfo{Name: e.job.Name, Spec: e.spec, Running: e.running.Load(), Runs: e.runs.Load()}
		if c != nil {
			ce := c.Entry(e.entryID)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		e.mu.Lock()
		info.LastRun, info.LastTook, info.LastErr = e.lastRun, e.lastTook, e.lastErr
		e.mu.Unlock()
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
