package external

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/okian/intake/internal/domain/schema"
)

// Column is the declared shape of one column in a MemoryStore list.
type Column struct {
	Type     schema.ValueType
	Encoding schema.Encoding
}

// RejectMode controls how a MemoryStore reports bad fields.
type RejectMode int

const (
	// RejectPerField writes good fields and lists each bad one.
	RejectPerField RejectMode = iota
	// RejectFirstField refuses the whole write and names the first bad field.
	RejectFirstField
	// RejectOpaque refuses the whole write without naming any field.
	RejectOpaque
)

// MemoryStore is an in-process list that checks every write against its
// columns. It backs the memory external mode and tests.
type MemoryStore struct {
	mu        sync.Mutex
	columns   map[string]Column
	items     map[string]map[string]any
	mode      RejectMode
	failNext  int
	latency   time.Duration
	calls     int
	callSizes []int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithRejectMode selects how bad fields are reported.
func WithRejectMode(m RejectMode) MemoryOption {
	return func(s *MemoryStore) { s.mode = m }
}

// WithLatency delays every write, honouring context cancellation.
func WithLatency(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.latency = d }
}

// NewMemoryStore returns a store with the given columns.
func NewMemoryStore(columns map[string]Column, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		columns: maps.Clone(columns),
		items:   make(map[string]map[string]any),
	}
	if s.columns == nil {
		s.columns = make(map[string]Column)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ColumnsFromRegistry declares one column per canonical id in reg.
func ColumnsFromRegistry(reg *schema.Registry) map[string]Column {
	cols := make(map[string]Column, reg.Len())
	for _, d := range reg.Descriptors() {
		cols[d.Canonical()] = Column{Type: d.Type, Encoding: d.Encoding}
	}
	return cols
}

// SetColumn adds or replaces a column.
func (s *MemoryStore) SetColumn(id string, c Column) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns[id] = c
}

// RenameColumn moves a column to a new id, as happens when a list column is
// recreated.
func (s *MemoryStore) RenameColumn(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.columns[from]; ok {
		delete(s.columns, from)
		s.columns[to] = c
	}
}

// FailNext makes the next n writes fail with ErrTransient.
func (s *MemoryStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Calls returns the number of writes received, including failed ones.
func (s *MemoryStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// CallSizes returns the field count of every write received, in order.
func (s *MemoryStore) CallSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.callSizes...)
}

// Item returns a copy of the stored item.
func (s *MemoryStore) Item(key string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	return maps.Clone(item), ok
}

// Len returns the number of stored items.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Write implements Store.
func (s *MemoryStore) Write(ctx context.Context, key string, fields map[string]any) (WriteResult, error) {
	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return WriteResult{}, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		case <-time.After(s.latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return WriteResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	// Values are checked in their wire form, as a remote store would see them.
	raw, err := json.Marshal(fields)
	if err != nil {
		return WriteResult{}, fmt.Errorf("%w: encode fields: %v", ErrPermanent, err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		return WriteResult{}, fmt.Errorf("%w: decode fields: %v", ErrPermanent, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.callSizes = append(s.callSizes, len(fields))
	if s.failNext > 0 {
		s.failNext--
		return WriteResult{}, fmt.Errorf("%w: injected failure", ErrTransient)
	}

	ids := make([]string, 0, len(wire))
	for id := range wire {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var res WriteResult
	for _, id := range ids {
		if rej, bad := s.check(id, wire[id]); bad {
			res.Rejected = append(res.Rejected, rej)
			continue
		}
		res.Accepted = append(res.Accepted, id)
	}

	if len(res.Rejected) > 0 {
		switch s.mode {
		case RejectFirstField:
			return WriteResult{Rejected: res.Rejected[:1]}, nil
		case RejectOpaque:
			return WriteResult{}, fmt.Errorf("%w: status 400: the request is invalid", ErrRequestRejected)
		}
	}

	item, ok := s.items[key]
	if !ok {
		item = make(map[string]any)
		s.items[key] = item
	}
	for _, id := range res.Accepted {
		item[id] = wire[id]
	}
	return res, nil
}

func (s *MemoryStore) check(id string, v any) (Rejection, bool) {
	col, ok := s.columns[id]
	if !ok {
		return Rejection{
			Field:   id,
			Reason:  ReasonUnknownField,
			Message: fmt.Sprintf("Column '%s' does not exist", id),
		}, true
	}
	if v == nil || fits(col, v) {
		return Rejection{}, false
	}
	return Rejection{
		Field:   id,
		Reason:  ReasonTypeMismatch,
		Message: fmt.Sprintf("Invalid value for field '%s'", id),
	}, true
}

func fits(col Column, v any) bool {
	switch col.Type {
	case schema.TypeText, schema.TypeNote:
		_, ok := v.(string)
		return ok
	case schema.TypeNumber:
		_, ok := v.(float64)
		return ok
	case schema.TypeBoolean:
		if col.Encoding == schema.EncodingYesNo {
			s, ok := v.(string)
			return ok && (s == "Yes" || s == "No")
		}
		_, ok := v.(bool)
		return ok
	case schema.TypeChoice:
		if col.Encoding == schema.EncodingPlain {
			_, ok := v.(string)
			return ok
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return false
		}
		_, ok = obj["Value"].(string)
		return ok
	case schema.TypeMultiChoice:
		if col.Encoding == schema.EncodingResults {
			obj, ok := v.(map[string]any)
			if !ok {
				return false
			}
			return stringArray(obj["results"])
		}
		return stringArray(v)
	case schema.TypeDateTime:
		s, ok := v.(string)
		if !ok {
			return false
		}
		_, err := time.Parse(time.RFC3339, s)
		return err == nil
	default:
		return false
	}
}

func stringArray(v any) bool {
	arr, ok := v.([]any)
	if !ok {
		return false
	}
	for _, el := range arr {
		if _, ok := el.(string); !ok {
			return false
		}
	}
	return true
}
