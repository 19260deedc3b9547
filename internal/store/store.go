// Package store is a cache-aside key/value layer over a partitioned document
// store (DynamoDB) with TTL-filtered reads and retried, rate-limited I/O.
package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	// TTLAttribute holds the absolute expiry (Unix seconds) of an item.
	TTLAttribute = "ttl"
	// RevAttribute holds the revision marker stamped on every write.
	RevAttribute = "rev"
)

// Item is a raw document as stored in a table.
type Item map[string]types.AttributeValue

// TTL returns the item's expiry and whether one is set.
func (it Item) TTL() (int64, bool) {
	v, ok := it[TTLAttribute].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Live reports whether the item is still visible at now. Items without a ttl
// never expire.
func (it Item) Live(now int64) bool {
	ttl, ok := it.TTL()
	return !ok || ttl >= now
}

// String returns a string attribute, or "" when absent.
func (it Item) String(attr string) string {
	if v, ok := it[attr].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// Rev returns the revision marker of the item.
func (it Item) Rev() string {
	return it.String(RevAttribute)
}

func (it Item) clone() Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// Table describes a table and the attribute names of its primary key.
type Table struct {
	Name         string
	PartitionKey string
	SortKey      string // empty for partition-only tables
}

// Key is a primary key value. SK is ignored for partition-only tables.
type Key struct {
	PK string
	SK string
}

// KeyOf extracts the primary key of item.
func (t Table) KeyOf(item Item) (Key, error) {
	k := Key{PK: item.String(t.PartitionKey)}
	if k.PK == "" {
		return Key{}, fmt.Errorf("item for %s has no %s", t.Name, t.PartitionKey)
	}
	if t.SortKey != "" {
		k.SK = item.String(t.SortKey)
		if k.SK == "" {
			return Key{}, fmt.Errorf("item for %s has no %s", t.Name, t.SortKey)
		}
	}
	return k, nil
}

func (t Table) keyAttributes(k Key) map[string]types.AttributeValue {
	attrs := map[string]types.AttributeValue{
		t.PartitionKey: &types.AttributeValueMemberS{Value: k.PK},
	}
	if t.SortKey != "" {
		attrs[t.SortKey] = &types.AttributeValueMemberS{Value: k.SK}
	}
	return attrs
}

// Condition guards a write.
//
// With Vacant set the write succeeds when no live item holds the key: the item
// is absent, its ttl is before Now, or (when Match is non-empty) it already
// carries every Match value, which lets the current holder overwrite.
//
// Without Vacant the item must exist, must not be expired at Now when Live is
// set, and must carry every Match value.
type Condition struct {
	Vacant bool
	Live   bool
	Now    int64
	Match  map[string]types.AttributeValue
}

// Exists is the condition that the item is present.
func Exists() *Condition {
	return &Condition{}
}

// Update is a partial update of an item.
type Update struct {
	Set       map[string]types.AttributeValue
	Remove    []string
	Condition *Condition
}

// Query selects items sharing a partition value, on the table or on one of
// its secondary indexes.
type Query struct {
	Table Table
	// Index names a secondary index; KeyAttr is then its partition attribute.
	Index   string
	KeyAttr string
	// KeyValue is the partition value.
	KeyValue string
	// SortPrefix restricts the table sort key with begins_with. Base table only.
	SortPrefix string
	Consistent bool
}

func (q Query) keyAttr() string {
	if q.KeyAttr != "" {
		return q.KeyAttr
	}
	return q.Table.PartitionKey
}

// Durable is the source-of-truth tier. Implementations translate a failed
// Condition into ErrConditionFailed and a missing item on Get into ErrNotFound.
type Durable interface {
	Get(ctx context.Context, t Table, k Key, consistent bool) (Item, error)
	Put(ctx context.Context, t Table, item Item, cond *Condition) error
	// Update applies u and returns the complete new image.
	Update(ctx context.Context, t Table, k Key, u Update) (Item, error)
	Delete(ctx context.Context, t Table, k Key, cond *Condition) error
	// Query and Scan may skip items expired at now.
	Query(ctx context.Context, q Query, now int64) ([]Item, error)
	Scan(ctx context.Context, t Table, now int64) ([]Item, error)
}

// S is a string attribute value.
func S(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

// N is a number attribute value.
func N(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// Bool is a boolean attribute value.
func Bool(v bool) types.AttributeValue {
	return &types.AttributeValueMemberBOOL{Value: v}
}
