// Package scheduler maps cron-enabled API entries to timed triggers. The
// job table is rebuilt from scratch on every registry change notification,
// so it never drifts from the entry pool.
package scheduler

import (
	"context"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
)

// EntrySource supplies entry definitions and change notifications
type EntrySource interface {
	EnabledEntries() []*domain.APIEntry
	Entry(name string) *domain.APIEntry
	Changes() <-chan struct{}
}

// Handler is invoked on every cron firing with the freshly resolved entry
type Handler func(ctx context.Context, entry *domain.APIEntry)

// Scheduler drives cron triggers for enabled entries
type Scheduler struct {
	source  EntrySource
	handler Handler

	mu   sync.Mutex
	cron *cron.Cron
	jobs map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler over the given entry source
func New(source EntrySource) *Scheduler {
	return &Scheduler{
		source: source,
		cron:   cron.New(),
		jobs:   map[string]cron.EntryID{},
	}
}

// SetHandler sets the trigger callback, replacing any previous one
func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Start builds the job table, starts the cron clock and subscribes to
// registry change notifications
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.Reload()
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-s.source.Changes():
				log.Printf("[DEBUG] entry pool changed, rebuilding cron jobs")
				s.Reload()
			}
		}
	}()

	log.Printf("[INFO] scheduler started with %d cron jobs", s.JobCount())
}

// Stop halts the clock and the change subscription, waiting for running
// jobs to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
	log.Printf("[INFO] scheduler stopped")
}

// Reload rebuilds the job table from the current entry pool. Entries with
// invalid cron expressions are logged and skipped, never fatal.
func (s *Scheduler) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, id := range s.jobs {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}

	for _, entry := range s.source.EnabledEntries() {
		if !entry.CronEnabled() {
			continue
		}
		name := entry.Name
		id, err := s.cron.AddFunc(entry.Cron, func() { s.fire(name) })
		if err != nil {
			log.Printf("[WARN] entry %s: invalid cron %q skipped: %v", name, entry.Cron, err)
			continue
		}
		s.jobs[name] = id
	}
	log.Printf("[DEBUG] cron job table rebuilt, %d jobs", len(s.jobs))
}

// JobCount reports the number of registered cron jobs
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// fire re-resolves the entry by name before invoking the handler, the
// entry may have been deleted or disabled since scheduling
func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	handler := s.handler
	ctx := s.ctx
	s.mu.Unlock()

	if handler == nil || ctx == nil || ctx.Err() != nil {
		return
	}

	entry := s.source.Entry(name)
	if entry == nil || !entry.CronEnabled() || !entry.Valid {
		log.Printf("[DEBUG] cron firing for %s skipped, entry gone or inactive", name)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] cron handler for %s panicked: %v", name, r)
		}
	}()
	handler(ctx, entry)
}
