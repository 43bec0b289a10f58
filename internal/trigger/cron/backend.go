// Package crontrigger implements the TriggerBackend on an in-process cron
// runner. Each trigger is a named recurring entry; disabled entries stay
// registered but inert.
package crontrigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/feedmill/ingestd/internal/ingest"
)

// Backend schedules named recurring triggers with robfig/cron. The only
// target a trigger can ever invoke is the single handler bound at
// construction, so trigger execution rights never extend beyond the feed
// ingestion entry point.
type Backend struct {
	cron    *cron.Cron
	handler ingest.TriggerHandler
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	id      cron.EntryID
	payload ingest.TriggerPayload

	mu      sync.Mutex
	enabled bool
}

func (e *entry) setEnabled(v bool) {
	e.mu.Lock()
	e.enabled = v
	e.mu.Unlock()
}

func (e *entry) isEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// New constructs a Backend bound to its sole invocation target.
func New(handler ingest.TriggerHandler, logger *zap.Logger) *Backend {
	return &Backend{
		cron:    cron.New(),
		handler: handler,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Start begins firing registered triggers.
func (b *Backend) Start() {
	b.cron.Start()
}

// Stop halts the runner, waiting for in-flight invocations.
func (b *Backend) Stop() {
	<-b.cron.Stop().Done()
}

// CreateRecurring registers the named trigger, replacing any existing
// registration with the same name. New triggers start enabled.
func (b *Backend) CreateRecurring(
	_ context.Context,
	name string,
	interval time.Duration,
	payload ingest.TriggerPayload,
) error {
	if interval <= 0 {
		return fmt.Errorf("trigger interval must be positive")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.entries[name]; ok {
		b.cron.Remove(old.id)
		delete(b.entries, name)
	}

	e := &entry{payload: payload, enabled: true}
	id, err := b.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		b.fire(name, e)
	})
	if err != nil {
		return fmt.Errorf("register trigger %q: %w", name, err)
	}
	e.id = id
	b.entries[name] = e
	return nil
}

// Enable re-activates a trigger.
func (b *Backend) Enable(_ context.Context, name string) error {
	return b.setEnabled(name, true)
}

// Disable leaves the trigger registered but inert: ticks fire, the handler
// does not run.
func (b *Backend) Disable(_ context.Context, name string) error {
	return b.setEnabled(name, false)
}

// Delete unregisters the trigger entirely.
func (b *Backend) Delete(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[name]
	if !ok {
		return fmt.Errorf("trigger %q not found", name)
	}
	b.cron.Remove(e.id)
	delete(b.entries, name)
	return nil
}

// Fire invokes a trigger immediately if it exists and is enabled
// (testing and manual-tick helper).
func (b *Backend) Fire(name string) {
	b.mu.Lock()
	e, ok := b.entries[name]
	b.mu.Unlock()
	if ok {
		b.fire(name, e)
	}
}

func (b *Backend) fire(name string, e *entry) {
	if !e.isEnabled() {
		return
	}
	b.logger.Debug("trigger fired", zap.String("trigger", name))
	b.handler(context.Background(), e.payload)
}

func (b *Backend) setEnabled(name string, v bool) error {
	b.mu.Lock()
	e, ok := b.entries[name]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger %q not found", name)
	}
	e.setEnabled(v)
	return nil
}
