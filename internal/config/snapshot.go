package config

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of settings, inventory and playbooks. Readers
// capture one snapshot per decision and never observe a partial reload.
type Snapshot struct {
	Settings  *Settings
	Inventory *Inventory
	Playbooks *Playbooks
	LoadedAt  time.Time
}

// Store holds the current snapshot behind an atomic pointer. Reload builds a
// fully validated snapshot and swaps the pointer; there is no reader
// coordination.
type Store struct {
	current atomic.Pointer[Snapshot]

	settingsPath string
}

// NewStore loads the initial snapshot from the given prefixd.yaml path. The
// inventory and playbook paths come from the settings file itself.
func NewStore(settingsPath string) (*Store, error) {
	st := &Store{settingsPath: settingsPath}
	snap, err := loadSnapshot(settingsPath)
	if err != nil {
		return nil, err
	}
	st.current.Store(snap)
	return st, nil
}

// NewStaticStore wraps a prebuilt snapshot. Used by tests and embedded
// setups that assemble the snapshot programmatically; Reload re-reads from
// the settings path and is not meaningful here.
func NewStaticStore(snap *Snapshot) *Store {
	st := &Store{}
	st.current.Store(snap)
	return st
}

// Load returns the current snapshot. Callers must not mutate it.
func (st *Store) Load() *Snapshot {
	return st.current.Load()
}

// Reload re-reads all three config files, validates them, and atomically
// swaps in the new snapshot. On any error the previous snapshot stays
// current.
func (st *Store) Reload() (*Snapshot, error) {
	snap, err := loadSnapshot(st.settingsPath)
	if err != nil {
		return nil, err
	}
	st.current.Store(snap)
	return snap, nil
}

func loadSnapshot(settingsPath string) (*Snapshot, error) {
	settings, err := LoadSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	inventory, err := LoadInventory(settings.Files.Inventory)
	if err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	playbooks, err := LoadPlaybooks(settings.Files.Playbooks)
	if err != nil {
		return nil, fmt.Errorf("playbooks: %w", err)
	}
	return &Snapshot{
		Settings:  settings,
		Inventory: inventory,
		Playbooks: playbooks,
		LoadedAt:  time.Now().UTC(),
	}, nil
}
