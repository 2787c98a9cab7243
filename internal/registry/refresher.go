package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/storage"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Refresher periodically re-discovers backends and asks every backend that
// supports it to re-read its remote state.
type Refresher struct {
	reg      *Registry
	schedule string
	timeout  time.Duration

	mu     sync.Mutex
	runner *cron.Cron
}

// NewRefresher validates schedule (cron syntax or a descriptor such as
// "@every 15m").
func NewRefresher(reg *Registry, schedule string) (*Refresher, error) {
	schedule = strings.TrimSpace(schedule)
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return &Refresher{reg: reg, schedule: schedule, timeout: 2 * time.Minute}, nil
}

// Start schedules the refresh job.
func (r *Refresher) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runner != nil {
		return nil
	}
	runner := cron.New(cron.WithParser(scheduleParser))
	if _, err := runner.AddFunc(r.schedule, r.run); err != nil {
		return fmt.Errorf("register refresh job: %w", err)
	}
	runner.Start()
	r.runner = runner
	r.reg.log.Info("refresh scheduler started", zap.String("schedule", r.schedule))
	return nil
}

// Stop cancels the schedule and waits for a running job to finish.
func (r *Refresher) Stop() {
	r.mu.Lock()
	runner := r.runner
	r.runner = nil
	r.mu.Unlock()
	if runner != nil {
		<-runner.Stop().Done()
	}
}

func (r *Refresher) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	r.RunOnce(ctx)
}

// RunOnce refreshes providers and then every refreshable backend.
func (r *Refresher) RunOnce(ctx context.Context) {
	if err := r.reg.Refresh(ctx); err != nil {
		r.reg.log.Warn("scheduled provider refresh", zap.Error(err))
	}
	for _, b := range r.reg.Backends() {
		rb, ok := b.(storage.Refresher)
		if !ok {
			continue
		}
		if err := rb.Refresh(ctx); err != nil {
			r.reg.log.Warn("scheduled backend refresh", zap.String("backend_id", b.ID()), zap.Error(err))
		}
	}
}
