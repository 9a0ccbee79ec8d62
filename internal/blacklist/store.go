package blacklist

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"linkguard/internal/shared/logger"
	"linkguard/proxypool/storage"
)

// Store 管理黑名单规则。读路径（Snapshot）无锁；写操作在 mu 下构建新快照，
// 持久化成功后原子替换，然后同步通知订阅者。
type Store struct {
	filePath string

	mu      sync.Mutex // serialises writers
	entries []Entry    // insertion order

	snap        atomic.Pointer[Snapshot]
	subscribers []func(*Snapshot)
	subMu       sync.RWMutex

	now func() time.Time
}

// NewStore loads filePath. An empty path keeps the blacklist in memory only.
func NewStore(filePath string) (*Store, error) {
	s := &Store{filePath: filePath, now: time.Now}
	s.snap.Store(&Snapshot{})
	if filePath == "" {
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load blacklist: %w", err)
	}
	return s, nil
}

func (s *Store) load() error {
	l := logger.WithComponent("Blacklist")
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", s.filePath).Msg("Blacklist file not found, starting empty.")
			return nil
		}
		return err
	}

	var stored []Entry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to parse %s: %w", s.filePath, err)
		}
	}

	entries := make([]Entry, 0, len(stored))
	for _, e := range stored {
		if _, err := Compile(e.Pattern); err != nil {
			l.Warn().Err(err).Str("entry_id", e.ID).Msg("Skipping stored blacklist entry with invalid pattern.")
			continue
		}
		entries = append(entries, e)
	}
	snap, err := NewSnapshot(entries)
	if err != nil {
		return err
	}

	s.entries = entries
	s.snap.Store(snap)
	l.Info().Int("count", len(entries)).Msg("Blacklist loaded.")
	return nil
}

// Snapshot returns the current compiled rule set without locking.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// List returns entries in insertion order.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

// Subscribe registers fn to run after every successful change.
func (s *Store) Subscribe(fn func(*Snapshot)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) Add(in Input, addedBy string) (Entry, error) {
	if err := in.validate(); err != nil {
		return Entry{}, err
	}
	if _, err := Compile(in.Pattern); err != nil {
		return Entry{}, err
	}
	e := Entry{
		ID:         uuid.New().String(),
		Pattern:    in.Pattern,
		Reason:     in.Reason,
		Confidence: in.Confidence,
		AddedBy:    addedBy,
		CreatedAt:  s.now().UTC(),
	}

	err := s.mutate(func(entries []Entry) ([]Entry, error) {
		return append(entries, e), nil
	})
	if err != nil {
		return Entry{}, err
	}
	logger.WithComponent("Blacklist").Info().Str("entry_id", e.ID).Str("pattern", e.Pattern).Str("added_by", addedBy).Msg("Blacklist entry added.")
	return e, nil
}

// Update replaces the editable fields of an entry. Its position is kept.
func (s *Store) Update(id string, in Input) (Entry, error) {
	if err := in.validate(); err != nil {
		return Entry{}, err
	}
	if _, err := Compile(in.Pattern); err != nil {
		return Entry{}, err
	}

	var updated Entry
	err := s.mutate(func(entries []Entry) ([]Entry, error) {
		for i := range entries {
			if entries[i].ID == id {
				entries[i].Pattern = in.Pattern
				entries[i].Reason = in.Reason
				entries[i].Confidence = in.Confidence
				updated = entries[i]
				return entries, nil
			}
		}
		return nil, ErrEntryNotFound
	})
	if err != nil {
		return Entry{}, err
	}
	logger.WithComponent("Blacklist").Info().Str("entry_id", id).Msg("Blacklist entry updated.")
	return updated, nil
}

func (s *Store) Delete(id string) error {
	err := s.mutate(func(entries []Entry) ([]Entry, error) {
		for i := range entries {
			if entries[i].ID == id {
				return append(entries[:i], entries[i+1:]...), nil
			}
		}
		return nil, ErrEntryNotFound
	})
	if err != nil {
		return err
	}
	logger.WithComponent("Blacklist").Info().Str("entry_id", id).Msg("Blacklist entry deleted.")
	return nil
}

// mutate 在副本上执行 fn，编译新快照并持久化，全部成功后才替换内存状态。
func (s *Store) mutate(fn func([]Entry) ([]Entry, error)) error {
	s.mu.Lock()
	working := make([]Entry, len(s.entries))
	copy(working, s.entries)

	next, err := fn(working)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	snap, err := NewSnapshot(next)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.filePath != "" {
		if err := s.persist(next); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to persist blacklist: %w", err)
		}
	}
	s.entries = next
	s.snap.Store(snap)
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

func (s *Store) persist(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(s.filePath, data)
}

func (s *Store) notify(snap *Snapshot) {
	s.subMu.RLock()
	subs := make([]func(*Snapshot), len(s.subscribers))
	copy(subs, s.subscribers)
	s.subMu.RUnlock()

	logger.WithComponent("Blacklist").Debug().Int("subscribers", len(subs)).Int("rules", snap.Len()).Msg("Notifying subscribers of blacklist update.")
	for _, fn := range subs {
		fn(snap)
	}
}
