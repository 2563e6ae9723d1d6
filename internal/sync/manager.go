package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/store"
)

// Manager owns the sources of every synced account: it runs on-demand passes
// for push-driven accounts and background pollers for pull-only ones.
type Manager struct {
	syncer   *Syncer
	sources  map[string]SourceFactory
	interval time.Duration

	runners      map[string]*handle
	runnersMutex sync.RWMutex
	wg           sync.WaitGroup
}

type handle struct {
	cancel context.CancelFunc
}

// NewManager creates a manager. sources maps an account kind to the factory
// that builds its history source.
func NewManager(syncer *Syncer, sources map[string]SourceFactory, interval time.Duration) *Manager {
	return &Manager{
		syncer:   syncer,
		sources:  sources,
		interval: interval,
		runners:  make(map[string]*handle),
	}
}

// Supports reports whether accounts of kind can be synced.
func (m *Manager) Supports(kind string) bool {
	_, ok := m.sources[kind]
	return ok
}

func (m *Manager) source(ctx context.Context, account *store.Account) (HistorySource, error) {
	factory, ok := m.sources[account.Kind]
	if !ok {
		return nil, fmt.Errorf("no history source for account kind %q", account.Kind)
	}
	src, err := factory(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}
	return src, nil
}

// SyncAccount runs one pass for account now.
func (m *Manager) SyncAccount(ctx context.Context, account *store.Account) (*Report, error) {
	src, err := m.source(ctx, account)
	if err != nil {
		return nil, err
	}
	return m.syncer.Sync(ctx, account, src)
}

// StartSync starts a background poller for account.
func (m *Manager) StartSync(ctx context.Context, account *store.Account) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[account.ID]; exists {
		return fmt.Errorf("sync already running for %s", account.ID)
	}

	src, err := m.source(ctx, account)
	if err != nil {
		return err
	}

	runner := &Runner{
		Syncer:   m.syncer,
		Source:   src,
		Account:  account,
		Interval: m.interval,
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel}
	m.runners[account.ID] = h
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		log.Info().Str("account_id", account.ID).Str("kind", account.Kind).Msg("sync start")
		if err := runner.Run(runnerCtx); err != nil {
			log.Error().Err(err).Str("account_id", account.ID).Msg("sync error")
		}

		cancel()
		m.runnersMutex.Lock()
		if m.runners[account.ID] == h {
			delete(m.runners, account.ID)
		}
		m.runnersMutex.Unlock()
		log.Info().Str("account_id", account.ID).Msg("sync stop")
	}()

	return nil
}

// StopSync stops the poller for an account.
func (m *Manager) StopSync(accountID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	h, exists := m.runners[accountID]
	if !exists {
		return fmt.Errorf("no sync running for %s", accountID)
	}

	h.cancel()
	delete(m.runners, accountID)
	return nil
}

// IsRunning checks if a poller is running for an account.
func (m *Manager) IsRunning(accountID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[accountID]
	return exists
}

// StopAll stops all running pollers.
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for id, h := range m.runners {
		log.Debug().Str("account_id", id).Msg("stopping sync")
		h.cancel()
	}

	m.runners = make(map[string]*handle)
}

// Wait blocks until every poller goroutine has returned or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunningSyncs returns the ids of accounts with a running poller.
func (m *Manager) RunningSyncs() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
