package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Memory implements Durable with in-process maps. It is used in DEV_MODE and
// by tests; its conditional semantics mirror the DynamoDB implementation.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[Key]Item

	// Fault, when set, is consulted before every operation; a non-nil error is
	// returned instead of touching the data.
	Fault func(op string, t Table) error
}

// NewMemory creates an empty in-memory durable tier.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[Key]Item)}
}

func (m *Memory) fault(op string, t Table) error {
	if m.Fault == nil {
		return nil
	}
	return m.Fault(op, t)
}

func (m *Memory) table(t Table) map[Key]Item {
	rows, ok := m.tables[t.Name]
	if !ok {
		rows = make(map[Key]Item)
		m.tables[t.Name] = rows
	}
	return rows
}

func normalizeKey(t Table, k Key) Key {
	if t.SortKey == "" {
		k.SK = ""
	}
	return k
}

func (m *Memory) Get(ctx context.Context, t Table, k Key, consistent bool) (Item, error) {
	if err := m.fault("get", t); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.tables[t.Name][normalizeKey(t, k)]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", t.Name, k.PK, ErrNotFound)
	}
	return item.clone(), nil
}

func (m *Memory) Put(ctx context.Context, t Table, item Item, cond *Condition) error {
	if err := m.fault("put", t); err != nil {
		return err
	}
	k, err := t.KeyOf(item)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.table(t)
	if !cond.holds(rows[k]) {
		return fmt.Errorf("put %s/%s: %w", t.Name, k.PK, ErrConditionFailed)
	}
	rows[k] = item.clone()
	return nil
}

func (m *Memory) Update(ctx context.Context, t Table, k Key, u Update) (Item, error) {
	if err := m.fault("update", t); err != nil {
		return nil, err
	}
	k = normalizeKey(t, k)

	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.table(t)
	existing := rows[k]
	if !u.Condition.holds(existing) {
		return nil, fmt.Errorf("update %s/%s: %w", t.Name, k.PK, ErrConditionFailed)
	}

	next := existing.clone()
	if next == nil {
		// UpdateItem creates the item when no condition forbids it.
		next = Item(t.keyAttributes(k))
	}
	for attr, v := range u.Set {
		next[attr] = v
	}
	for _, attr := range u.Remove {
		delete(next, attr)
	}
	rows[k] = next
	return next.clone(), nil
}

func (m *Memory) Delete(ctx context.Context, t Table, k Key, cond *Condition) error {
	if err := m.fault("delete", t); err != nil {
		return err
	}
	k = normalizeKey(t, k)

	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.table(t)
	if !cond.holds(rows[k]) {
		return fmt.Errorf("delete %s/%s: %w", t.Name, k.PK, ErrConditionFailed)
	}
	delete(rows, k)
	return nil
}

func (m *Memory) Query(ctx context.Context, q Query, now int64) ([]Item, error) {
	if err := m.fault("query", q.Table); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	attr := q.keyAttr()
	var out []Item
	for _, item := range m.tables[q.Table.Name] {
		if item.String(attr) != q.KeyValue {
			continue
		}
		if q.SortPrefix != "" && !strings.HasPrefix(item.String(q.Table.SortKey), q.SortPrefix) {
			continue
		}
		if !item.Live(now) {
			continue
		}
		out = append(out, item.clone())
	}
	sortItems(q.Table, out)
	return out, nil
}

func (m *Memory) Scan(ctx context.Context, t Table, now int64) ([]Item, error) {
	if err := m.fault("scan", t); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Item
	for _, item := range m.tables[t.Name] {
		if item.Live(now) {
			out = append(out, item.clone())
		}
	}
	sortItems(t, out)
	return out, nil
}

// Raw returns the stored item regardless of its ttl, for tests that need to
// see rows which are physically present but logically expired.
func (m *Memory) Raw(t Table, k Key) (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.tables[t.Name][normalizeKey(t, k)]
	return item.clone(), ok
}

// Len counts the rows physically stored in t.
func (m *Memory) Len(t Table) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[t.Name])
}

// sortItems orders items by partition then sort key, as a DynamoDB query does.
func sortItems(t Table, items []Item) {
	sort.Slice(items, func(i, j int) bool {
		pi, pj := items[i].String(t.PartitionKey), items[j].String(t.PartitionKey)
		if pi != pj {
			return pi < pj
		}
		return items[i].String(t.SortKey) < items[j].String(t.SortKey)
	})
}

// holds evaluates c against the current item (nil when absent).
func (c *Condition) holds(existing Item) bool {
	if c == nil {
		return true
	}
	if c.Vacant {
		if existing == nil {
			return true
		}
		if ttl, ok := existing.TTL(); ok && ttl < c.Now {
			return true
		}
		return len(c.Match) > 0 && matchAll(existing, c.Match)
	}
	if existing == nil {
		return false
	}
	if c.Live && !existing.Live(c.Now) {
		return false
	}
	return matchAll(existing, c.Match)
}

func matchAll(item Item, match map[string]types.AttributeValue) bool {
	for attr, want := range match {
		if !equalValues(item[attr], want) {
			return false
		}
	}
	return true
}
