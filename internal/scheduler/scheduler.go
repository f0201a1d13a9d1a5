// Package scheduler produces the configured report profiles once a day and
// on demand.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"weatherfish/internal/cache"
	"weatherfish/internal/config"
)

// profileTimeout bounds one profile; the generation timeout applies inside it.
const profileTimeout = 5 * time.Minute

// Producer is the part of the pipeline the scheduler drives.
type Producer interface {
	Produce(ctx context.Context, req cache.ReportRequest) (string, error)
}

// Run describes one pass over all profiles.
type Run struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"` // schedule | manual
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
}

// Status is a snapshot for the status endpoint.
type Status struct {
	Running  bool       `json:"running"`
	Jobs     int        `json:"jobs"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	LastRun  *Run       `json:"last_run,omitempty"`
	Profiles []string   `json:"profiles"`
}

type Scheduler struct {
	cron     *gocron.Scheduler
	producer Producer
	profiles []config.ReportProfile
	at       string
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastRun *Run
}

func New(producer Producer, cfg config.SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	if producer == nil {
		return nil, fmt.Errorf("scheduler: producer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler: timezone: %w", err)
		}
		loc = l
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     gocron.NewScheduler(loc),
		producer: producer,
		profiles: cfg.Profiles,
		at:       cfg.At,
		logger:   logger.Named("scheduler"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start registers the daily job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if len(s.profiles) == 0 {
		s.logger.Info("no report profiles configured; nothing to schedule")
		return nil
	}

	_, err := s.cron.Every(1).Day().At(s.at).SingletonMode().Do(func() {
		s.RunAll(s.ctx, "schedule")
	})
	if err != nil {
		return fmt.Errorf("scheduler: schedule daily job at %q: %w", s.at, err)
	}

	s.cron.StartAsync()
	s.logger.Info("scheduler started",
		zap.String("at", s.at),
		zap.Int("profiles", len(s.profiles)),
	)
	return nil
}

// Trigger starts a run in the background and returns its id.
func (s *Scheduler) Trigger() string {
	id := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runWithID(s.ctx, id, "manual")
	}()
	return id
}

// RunAll produces every profile and records the run. It blocks until all
// profiles finish.
func (s *Scheduler) RunAll(ctx context.Context, trigger string) Run {
	return s.runWithID(ctx, uuid.NewString(), trigger)
}

func (s *Scheduler) runWithID(ctx context.Context, id, trigger string) Run {
	logger := s.logger.With(zap.String("run_id", id), zap.String("trigger", trigger))
	run := Run{ID: id, Trigger: trigger, StartedAt: time.Now()}
	logger.Info("report run started", zap.Int("profiles", len(s.profiles)))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, p := range s.profiles {
		wg.Add(1)
		go func(p config.ReportProfile) {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, profileTimeout)
			defer cancel()

			_, err := s.producer.Produce(pctx, p.Request())

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				run.Failed++
				logger.Warn("profile failed", zap.String("profile", p.Name), zap.Error(err))
				return
			}
			run.Succeeded++
		}(p)
	}
	wg.Wait()

	run.FinishedAt = time.Now()
	s.mu.Lock()
	s.lastRun = &run
	s.mu.Unlock()

	logger.Info("report run finished",
		zap.Int("succeeded", run.Succeeded),
		zap.Int("failed", run.Failed),
		zap.Duration("duration", run.FinishedAt.Sub(run.StartedAt)),
	)
	return run
}

func (s *Scheduler) Status() Status {
	st := Status{
		Running:  s.cron.IsRunning(),
		Jobs:     s.cron.Len(),
		Profiles: make([]string, 0, len(s.profiles)),
	}
	for _, p := range s.profiles {
		st.Profiles = append(st.Profiles, p.Name)
	}
	if st.Jobs > 0 {
		_, next := s.cron.NextRun()
		if !next.IsZero() {
			st.NextRun = &next
		}
	}

	s.mu.Lock()
	if s.lastRun != nil {
		last := *s.lastRun
		st.LastRun = &last
	}
	s.mu.Unlock()
	return st
}

// Stop stops future jobs, cancels running ones and waits for triggered runs.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.cancel()
	s.wg.Wait()
}
