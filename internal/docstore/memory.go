package docstore

import (
	"context"
	"reflect"
	"sort"
	"sync"
)

// Memory is a mutex-guarded in-process store for dev and tests.
type Memory struct {
	mu   sync.RWMutex
	cols map[string]map[string]Doc
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{cols: make(map[string]map[string]Doc)}
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.cols[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return normalize(doc)
}

func (m *Memory) Set(ctx context.Context, collection, id string, doc Doc) error {
	norm, err := normalize(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(collection)[id] = norm
	return nil
}

func (m *Memory) Create(ctx context.Context, collection, id string, doc Doc) error {
	norm, err := normalize(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collection(collection)
	if _, ok := col[id]; ok {
		return ErrExists
	}
	col[id] = norm
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, patch Doc) error {
	norm, err := normalize(patch)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.cols[collection][id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range norm {
		existing[k] = v
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cols[collection], id)
	return nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Doc, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	want := make([]Filter, len(q.Where))
	for i, f := range q.Where {
		v, err := normalizeValue(f.Value)
		if err != nil {
			return nil, err
		}
		want[i] = Filter{Field: f.Field, Value: v}
	}

	type entry struct {
		id  string
		doc Doc
	}
	m.mu.RLock()
	var hits []entry
	for id, doc := range m.cols[q.Collection] {
		if !matches(doc, want) {
			continue
		}
		norm, err := normalize(doc)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		hits = append(hits, entry{id: id, doc: norm})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compare(hits[i].doc[q.OrderBy], hits[j].doc[q.OrderBy])
			if c != 0 {
				if q.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		return hits[i].id < hits[j].id
	})
	out := make([]Doc, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.doc)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) collection(name string) map[string]Doc {
	col, ok := m.cols[name]
	if !ok {
		col = make(map[string]Doc)
		m.cols[name] = col
	}
	return col
}

func matches(doc Doc, filters []Filter) bool {
	for _, f := range filters {
		v, ok := doc[f.Field]
		if !ok || !reflect.DeepEqual(v, f.Value) {
			return false
		}
	}
	return true
}

// compare orders missing < bool < number < string; mixed kinds fall back to
// that rank.
func compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case bool:
		bv := b.(bool)
		if av != bv {
			if !av {
				return -1
			}
			return 1
		}
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}
