// Package rowstore implements the keyed in-memory table fed by the
// ingestion stream. The merge engine is the only writer; readers receive
// copies and never hold references into the store.
package rowstore

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/time/rate"
)

// Row is a mapping from field name to value, identified by the value at the
// store's key column.
type Row map[string]any

// clone returns a shallow copy of the row.
func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// UnknownKeyPolicy controls what ApplyUpdate does when the key is absent.
type UnknownKeyPolicy int

const (
	// IgnoreUnknown drops updates for unknown keys. This is the default:
	// an update for an unknown key most likely raced a delete or a missed
	// snapshot row.
	IgnoreUnknown UnknownKeyPolicy = iota

	// InsertUnknown inserts the patch as a new row, with the key column
	// set from the update key.
	InsertUnknown
)

// Logger is the minimal logging interface accepted by the store.
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) { log.Printf("[ROWSTORE] "+format, v...) }
func (l *defaultLogger) Errorf(format string, v ...any) { log.Printf("[ROWSTORE ERROR] "+format, v...) }
func (l *defaultLogger) Debugf(_ string, _ ...any)      {}

// Option configures a Store.
type Option func(*Store)

// WithUnknownKeyPolicy sets how unknown-key updates are handled.
func WithUnknownKeyPolicy(p UnknownKeyPolicy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFeedBuffer sets the per-subscriber change feed buffer size.
func WithFeedBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.feedBuffer = n
		}
	}
}

// Store is an ordered keyed table. All mutation goes through the Apply
// methods; the row slice and the key index never diverge.
type Store struct {
	mu        sync.RWMutex
	keyColumn string
	policy    UnknownKeyPolicy

	rows  []Row
	index map[string]int // key value -> position in rows

	subMu      sync.Mutex
	subs       map[int]chan ChangeEvent
	nextSubID  int
	feedBuffer int

	logger Logger
	// Unknown-key updates are expected during delete races; keep the log
	// readable under a storm of them.
	warnLimiter *rate.Limiter
}

// New creates an empty store keyed by keyColumn.
func New(keyColumn string, opts ...Option) *Store {
	s := &Store{
		keyColumn:   keyColumn,
		index:       make(map[string]int),
		subs:        make(map[int]chan ChangeEvent),
		feedBuffer:  64,
		logger:      &defaultLogger{},
		warnLimiter: rate.NewLimiter(rate.Limit(1), 5),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KeyColumn returns the configured key column name.
func (s *Store) KeyColumn() string {
	return s.keyColumn
}

// keyString normalizes a key value for index lookup, so a numeric key in an
// update matches the same key decoded from a snapshot row.
func keyString(v any) string {
	return fmt.Sprint(v)
}

// ApplySnapshot replaces the entire store content and rebuilds the key
// index. Rows with a duplicate key keep the last occurrence. Rows without a
// key column value are dropped.
func (s *Store) ApplySnapshot(rows []Row) {
	s.mu.Lock()

	s.rows = make([]Row, 0, len(rows))
	s.index = make(map[string]int, len(rows))
	for _, row := range rows {
		keyVal, ok := row[s.keyColumn]
		if !ok {
			continue
		}
		k := keyString(keyVal)
		if pos, exists := s.index[k]; exists {
			s.rows[pos] = row.clone()
			continue
		}
		s.index[k] = len(s.rows)
		s.rows = append(s.rows, row.clone())
	}
	snapshot := s.copyRowsLocked()
	s.mu.Unlock()

	s.publish(ChangeEvent{Type: ChangeInitial, Rows: snapshot})
}

// Update is one keyed patch within a batch.
type Update struct {
	Key    any
	Fields Row
}

// ApplyUpdate merges patch fields into the row identified by key (shallow
// merge: patch fields overwrite, unspecified fields are retained). The
// return value reports whether the update was applied or dropped per the
// unknown-key policy, so the caller can log drops.
func (s *Store) ApplyUpdate(key any, patch Row) bool {
	s.mu.Lock()
	merged, inserted, applied := s.applyUpdateLocked(key, patch)
	s.mu.Unlock()

	if applied {
		changeType := ChangeUpdate
		if inserted {
			changeType = ChangeInsert
		}
		s.publish(ChangeEvent{Type: changeType, Rows: []Row{merged}, Key: key})
	} else if s.warnLimiter.Allow() {
		s.logger.Printf("dropped update for unknown key %v", key)
	}
	return applied
}

// applyUpdateLocked performs the merge. Callers hold the write lock. The
// second return reports an insert-on-miss under InsertUnknown.
func (s *Store) applyUpdateLocked(key any, patch Row) (Row, bool, bool) {
	k := keyString(key)
	pos, found := s.index[k]
	if !found {
		if s.policy == IgnoreUnknown {
			return nil, false, false
		}
		row := patch.clone()
		row[s.keyColumn] = key
		s.index[k] = len(s.rows)
		s.rows = append(s.rows, row)
		return row.clone(), true, true
	}

	row := s.rows[pos]
	for field, value := range patch {
		row[field] = value
	}
	return row.clone(), false, true
}

// ApplyBatch applies updates in array order under a single write lock, so
// readers never observe a partially applied batch. Per-update outcomes are
// returned in order.
func (s *Store) ApplyBatch(updates []Update) []bool {
	if len(updates) == 0 {
		return nil
	}

	outcomes := make([]bool, len(updates))
	merged := make([]Row, 0, len(updates))
	dropped := 0

	s.mu.Lock()
	for i, u := range updates {
		row, _, applied := s.applyUpdateLocked(u.Key, u.Fields)
		outcomes[i] = applied
		if applied {
			merged = append(merged, row)
		} else {
			dropped++
		}
	}
	s.mu.Unlock()

	if len(merged) > 0 {
		s.publish(ChangeEvent{Type: ChangeBatch, Rows: merged})
	}
	if dropped > 0 && s.warnLimiter.Allow() {
		s.logger.Printf("dropped %d of %d batch updates for unknown keys", dropped, len(updates))
	}
	return outcomes
}

// ApplyDelete removes the row and its index entry. Deleting an absent key
// is a no-op, not an error.
func (s *Store) ApplyDelete(key any) bool {
	k := keyString(key)

	s.mu.Lock()
	pos, found := s.index[k]
	if !found {
		s.mu.Unlock()
		return false
	}

	s.rows = append(s.rows[:pos], s.rows[pos+1:]...)
	delete(s.index, k)
	// Reindex rows shifted left by the removal
	for i := pos; i < len(s.rows); i++ {
		s.index[keyString(s.rows[i][s.keyColumn])] = i
	}
	s.mu.Unlock()

	s.publish(ChangeEvent{Type: ChangeDelete, Key: key})
	return true
}

// Clear removes all rows.
func (s *Store) Clear() {
	s.mu.Lock()
	s.rows = nil
	s.index = make(map[string]int)
	s.mu.Unlock()

	s.publish(ChangeEvent{Type: ChangeClear})
}

// GetAll returns a copy of the current row sequence in order.
func (s *Store) GetAll() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyRowsLocked()
}

// copyRowsLocked deep-copies the row slice. Callers hold a lock.
func (s *Store) copyRowsLocked() []Row {
	out := make([]Row, len(s.rows))
	for i, row := range s.rows {
		out[i] = row.clone()
	}
	return out
}

// Get returns a copy of the row for key, if present.
func (s *Store) Get(key any) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, found := s.index[keyString(key)]
	if !found {
		return nil, false
	}
	return s.rows[pos].clone(), true
}

// Len returns the current row count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
