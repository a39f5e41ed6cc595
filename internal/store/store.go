// Package store provides crash-safe sidecar persistence using JSON files.
//
// Two sidecars live under the data directory:
//
//   - trade caches:    <pair>-cached.json, the full public-trade table of a
//     pair; read to warm the in-memory table, rewritten after every merge
//     that produced new trades.
//   - leverage tiers:  futures/leverage_tiers_<stake>.json, the per-symbol
//     tier lists with an update stamp; invalidated after four weeks.
//
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"exchange-engine/pkg/types"
)

// LeverageTierTTL is how long a tier sidecar stays valid.
const LeverageTierTTL = 4 * 7 * 24 * time.Hour

// Store persists sidecars to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "futures"), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) writeAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

func pairFile(pair string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(pair) + "-cached.json"
}

// SaveTrades atomically persists the full trade table of a pair.
func (s *Store) SaveTrades(pair string, rows []types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(filepath.Join(s.dir, pairFile(pair)), rows)
}

// LoadTrades restores a pair's trade table from disk.
// Returns nil, nil if no sidecar exists (cold start).
func (s *Store) LoadTrades(pair string) ([]types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, pairFile(pair)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read trade cache: %w", err)
	}
	var rows []types.Trade
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal trade cache: %w", err)
	}
	return rows, nil
}

// tierSidecar is the on-disk layout of the leverage-tier cache.
type tierSidecar struct {
	Updated time.Time                       `json:"updated"`
	Data    map[string][]types.LeverageTier `json:"data"`
}

func (s *Store) tierPath(stakeCurrency string) string {
	return filepath.Join(s.dir, "futures", "leverage_tiers_"+strings.ToLower(stakeCurrency)+".json")
}

// SaveLeverageTiers atomically persists tier lists keyed by stake currency.
func (s *Store) SaveLeverageTiers(stakeCurrency string, tiers map[string][]types.LeverageTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(s.tierPath(stakeCurrency), tierSidecar{
		Updated: time.Now().UTC(),
		Data:    tiers,
	})
}

// LoadLeverageTiers restores tier lists from disk. Returns nil, nil when no
// sidecar exists or the sidecar is older than LeverageTierTTL.
func (s *Store) LoadLeverageTiers(stakeCurrency string) (map[string][]types.LeverageTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.tierPath(stakeCurrency))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read leverage tiers: %w", err)
	}
	var sidecar tierSidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return nil, fmt.Errorf("unmarshal leverage tiers: %w", err)
	}
	if time.Since(sidecar.Updated) > LeverageTierTTL {
		return nil, nil
	}
	return sidecar.Data, nil
}
