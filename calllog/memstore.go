package calllog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is a thread-safe in-memory call log. Values are round-tripped
// through JSON on insert so reads match what SQLiteStore would return.
type MemStore struct {
	mu      sync.RWMutex
	records []CallRecord
	byID    map[string]int
	seq     uint64
	now     func() time.Time
}

// NewMemStore creates an empty in-memory call log.
func NewMemStore() *MemStore {
	return &MemStore{
		byID: make(map[string]int),
		now:  time.Now,
	}
}

// WithClock replaces the clock used for log-time fields.
func (s *MemStore) WithClock(now func() time.Time) *MemStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemStore) Insert(_ context.Context, rec CallRecord) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := prepareRecord(rec, s.now())
	if err != nil {
		return CallRecord{}, err
	}
	if _, exists := s.byID[rec.CallID]; exists {
		return CallRecord{}, fmt.Errorf("calllog: insert %s: duplicate call id", rec.CallID)
	}
	if err := roundTrip(&rec); err != nil {
		return CallRecord{}, fmt.Errorf("calllog: insert %s: %w", rec.CallID, err)
	}

	s.seq++
	rec.Seq = s.seq
	s.byID[rec.CallID] = len(s.records)
	s.records = append(s.records, rec)
	return rec, nil
}

func (s *MemStore) Get(_ context.Context, callID string) (CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byID[callID]
	if !ok {
		return CallRecord{}, fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	return s.records[i], nil
}

func (s *MemStore) Query(_ context.Context, q Query) ([]CallRecord, error) {
	q = q.normalized()

	s.mu.RLock()
	matched := make([]CallRecord, 0, len(s.records))
	for _, rec := range s.records {
		if q.ToolName != "" && rec.ToolName != q.ToolName {
			continue
		}
		if q.Status != StatusAny && rec.Status() != q.Status {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[j].Cursor().Before(matched[i].Cursor())
	})

	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (s *MemStore) After(_ context.Context, cursor Cursor, filter Filter, limit int) ([]CallRecord, error) {
	name := strings.TrimSpace(filter.ToolName)

	s.mu.RLock()
	var result []CallRecord
	for _, rec := range s.records {
		if name != "" && rec.ToolName != name {
			continue
		}
		if !cursor.Before(rec.Cursor()) {
			continue
		}
		result = append(result, rec)
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Cursor().Before(result[j].Cursor())
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemStore) Latest(_ context.Context) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest Cursor
	for _, rec := range s.records {
		if c := rec.Cursor(); latest.Before(c) {
			latest = c
		}
	}
	return latest, nil
}

// Len returns the number of stored records.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func roundTrip(rec *CallRecord) error {
	var err error
	if rec.Inputs, err = roundTripMap(rec.Inputs); err != nil {
		return fmt.Errorf("inputs: %w", err)
	}
	if rec.Inputs == nil {
		rec.Inputs = map[string]any{}
	}
	if rec.AgentMetadata, err = roundTripMap(rec.AgentMetadata); err != nil {
		return fmt.Errorf("agent metadata: %w", err)
	}
	if rec.Outputs != nil {
		raw, err := json.Marshal(rec.Outputs)
		if err != nil {
			return fmt.Errorf("outputs: %w", err)
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("outputs: %w", err)
		}
		rec.Outputs = out
	}
	return nil
}

func roundTripMap(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)
