package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rnts08/base-token-watch/src/contractmeta"
	"github.com/rnts08/base-token-watch/src/market"
	"github.com/rnts08/base-token-watch/src/registry"
	"github.com/rnts08/base-token-watch/src/store"
)

const stateVersion = 1

// state is the persisted blob. Verification answers are not stored; they
// are re-queried after a restart.
type state struct {
	Version   int                           `json:"version"`
	SavedAt   time.Time                     `json:"savedAt"`
	Tokens    []registry.Token              `json:"tokens"`
	Contracts map[string]contractmeta.Entry `json:"contracts,omitempty"`
	Checks    map[string]market.CheckState  `json:"checks,omitempty"`
}

// Persist writes the registry, metadata cache and check states to the store.
func (t *Tracker) Persist(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	// Reset waits for Save to finish.
	t.resetMu.RLock()
	defer t.resetMu.RUnlock()

	s := state{
		Version:   stateVersion,
		SavedAt:   t.now().UTC(),
		Tokens:    t.reg.Snapshot(),
		Contracts: t.meta.Snapshot(),
		Checks:    t.sched.Snapshot(),
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.metrics.PersistOps.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("encode state: %w", err)
	}
	if err := t.store.Save(ctx, data); err != nil {
		t.metrics.PersistOps.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("save state: %w", err)
	}
	t.metrics.PersistOps.WithLabelValues("save", "ok").Inc()
	t.log.Debug().Str("stage", "persist").Int("tokens", len(s.Tokens)).Msg("state saved")
	return nil
}

// Restore loads the last saved state. A missing snapshot is not an error.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	data, err := t.store.Load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		t.metrics.PersistOps.WithLabelValues("load", "empty").Inc()
		return nil
	}
	if err != nil {
		t.metrics.PersistOps.WithLabelValues("load", "error").Inc()
		return fmt.Errorf("load state: %w", err)
	}

	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		t.metrics.PersistOps.WithLabelValues("load", "error").Inc()
		return fmt.Errorf("decode state: %w", err)
	}
	if s.Version != stateVersion {
		t.metrics.PersistOps.WithLabelValues("load", "error").Inc()
		return fmt.Errorf("unsupported state version %d", s.Version)
	}

	t.resetMu.Lock()
	t.reg.Restore(s.Tokens)
	t.meta.Restore(s.Contracts)
	t.sched.Restore(s.Checks)
	t.resetMu.Unlock()

	t.metrics.PersistOps.WithLabelValues("load", "ok").Inc()
	t.metrics.RegistrySize.Set(float64(t.reg.Len()))
	t.log.Info().
		Str("stage", "persist").
		Int("tokens", len(s.Tokens)).
		Time("saved_at", s.SavedAt).
		Msg("state restored")
	return nil
}
