package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of *dynamodb.Client methods used by Dynamo.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Dynamo implements Durable on DynamoDB. The client should be built with the
// SDK retryer disabled (aws.NopRetryer); Store owns the retry policy.
type Dynamo struct {
	client DynamoAPI
}

// NewDynamo wraps a DynamoDB client.
func NewDynamo(client DynamoAPI) *Dynamo {
	return &Dynamo{client: client}
}

func (d *Dynamo) Get(ctx context.Context, t Table, k Key, consistent bool) (Item, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.Name),
		Key:            t.keyAttributes(k),
		ConsistentRead: aws.Bool(consistent),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", t.Name, k.PK, translate(err))
	}
	if out.Item == nil {
		return nil, fmt.Errorf("get %s/%s: %w", t.Name, k.PK, ErrNotFound)
	}
	return Item(out.Item), nil
}

func (d *Dynamo) Put(ctx context.Context, t Table, item Item, cond *Condition) error {
	in := &dynamodb.PutItemInput{
		TableName: aws.String(t.Name),
		Item:      item,
	}
	if cond != nil {
		ex := newExpr()
		in.ConditionExpression = aws.String(ex.condition(t, cond))
		in.ExpressionAttributeNames = ex.names
		in.ExpressionAttributeValues = ex.valuesOrNil()
	}
	if _, err := d.client.PutItem(ctx, in); err != nil {
		return fmt.Errorf("put %s: %w", t.Name, translate(err))
	}
	return nil
}

func (d *Dynamo) Update(ctx context.Context, t Table, k Key, u Update) (Item, error) {
	ex := newExpr()
	in := &dynamodb.UpdateItemInput{
		TableName:        aws.String(t.Name),
		Key:              t.keyAttributes(k),
		UpdateExpression: aws.String(ex.update(u)),
		ReturnValues:     types.ReturnValueAllNew,
	}
	if u.Condition != nil {
		in.ConditionExpression = aws.String(ex.condition(t, u.Condition))
	}
	in.ExpressionAttributeNames = ex.names
	in.ExpressionAttributeValues = ex.valuesOrNil()

	out, err := d.client.UpdateItem(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", t.Name, k.PK, translate(err))
	}
	return Item(out.Attributes), nil
}

func (d *Dynamo) Delete(ctx context.Context, t Table, k Key, cond *Condition) error {
	in := &dynamodb.DeleteItemInput{
		TableName: aws.String(t.Name),
		Key:       t.keyAttributes(k),
	}
	if cond != nil {
		ex := newExpr()
		in.ConditionExpression = aws.String(ex.condition(t, cond))
		in.ExpressionAttributeNames = ex.names
		in.ExpressionAttributeValues = ex.valuesOrNil()
	}
	if _, err := d.client.DeleteItem(ctx, in); err != nil {
		return fmt.Errorf("delete %s/%s: %w", t.Name, k.PK, translate(err))
	}
	return nil
}

func (d *Dynamo) Query(ctx context.Context, q Query, now int64) ([]Item, error) {
	ex := newExpr()
	keyCond := fmt.Sprintf("%s = %s", ex.name(q.keyAttr()), ex.value(&types.AttributeValueMemberS{Value: q.KeyValue}))
	if q.SortPrefix != "" && q.Index == "" {
		keyCond += fmt.Sprintf(" AND begins_with(%s, %s)", ex.name(q.Table.SortKey), ex.value(&types.AttributeValueMemberS{Value: q.SortPrefix}))
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(q.Table.Name),
		KeyConditionExpression: aws.String(keyCond),
		FilterExpression:       aws.String(ex.liveFilter(now)),
	}
	if q.Index != "" {
		in.IndexName = aws.String(q.Index)
	} else {
		// Consistent reads are not available on global secondary indexes.
		in.ConsistentRead = aws.Bool(q.Consistent)
	}
	in.ExpressionAttributeNames = ex.names
	in.ExpressionAttributeValues = ex.values

	var items []Item
	for {
		out, err := d.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Table.Name, translate(err))
		}
		for _, it := range out.Items {
			items = append(items, Item(it))
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return items, nil
}

func (d *Dynamo) Scan(ctx context.Context, t Table, now int64) ([]Item, error) {
	ex := newExpr()
	in := &dynamodb.ScanInput{
		TableName:        aws.String(t.Name),
		FilterExpression: aws.String(ex.liveFilter(now)),
	}
	in.ExpressionAttributeNames = ex.names
	in.ExpressionAttributeValues = ex.values

	var items []Item
	for {
		out, err := d.client.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.Name, translate(err))
		}
		for _, it := range out.Items {
			items = append(items, Item(it))
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return items, nil
}

// translate maps DynamoDB failures onto the package sentinels.
func translate(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrConditionFailed
	}
	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return fmt.Errorf("table missing: %w", err)
	}
	return err
}

// expr accumulates placeholder names and values for one request.
type expr struct {
	names  map[string]string
	values map[string]types.AttributeValue
	n      int
}

func newExpr() *expr {
	return &expr{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}
}

func (e *expr) name(attr string) string {
	for ph, a := range e.names {
		if a == attr {
			return ph
		}
	}
	ph := "#n" + strconv.Itoa(len(e.names))
	e.names[ph] = attr
	return ph
}

func (e *expr) value(v types.AttributeValue) string {
	ph := ":v" + strconv.Itoa(e.n)
	e.n++
	e.values[ph] = v
	return ph
}

func (e *expr) valuesOrNil() map[string]types.AttributeValue {
	if len(e.values) == 0 {
		return nil
	}
	return e.values
}

func numberValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// liveFilter keeps items without a ttl or with a ttl not yet passed.
func (e *expr) liveFilter(now int64) string {
	ttl := e.name(TTLAttribute)
	return fmt.Sprintf("(attribute_not_exists(%s) OR %s >= %s)", ttl, ttl, e.value(numberValue(now)))
}

func (e *expr) matches(match map[string]types.AttributeValue) []string {
	attrs := make([]string, 0, len(match))
	for a := range match {
		attrs = append(attrs, a)
	}
	sort.Strings(attrs)

	clauses := make([]string, 0, len(attrs))
	for _, a := range attrs {
		clauses = append(clauses, fmt.Sprintf("%s = %s", e.name(a), e.value(match[a])))
	}
	return clauses
}

// condition renders c as a ConditionExpression. It mirrors Condition.holds.
func (e *expr) condition(t Table, c *Condition) string {
	pk := e.name(t.PartitionKey)
	if c.Vacant {
		clauses := []string{fmt.Sprintf("attribute_not_exists(%s)", pk)}
		if c.Now != 0 {
			clauses = append(clauses, fmt.Sprintf("%s < %s", e.name(TTLAttribute), e.value(numberValue(c.Now))))
		}
		if len(c.Match) > 0 {
			clauses = append(clauses, "("+strings.Join(e.matches(c.Match), " AND ")+")")
		}
		return strings.Join(clauses, " OR ")
	}

	clauses := []string{fmt.Sprintf("attribute_exists(%s)", pk)}
	if c.Live {
		ttl := e.name(TTLAttribute)
		clauses = append(clauses, fmt.Sprintf("(attribute_not_exists(%s) OR %s >= %s)", ttl, ttl, e.value(numberValue(c.Now))))
	}
	clauses = append(clauses, e.matches(c.Match)...)
	return strings.Join(clauses, " AND ")
}

// update renders the SET/REMOVE clauses of u.
func (e *expr) update(u Update) string {
	attrs := make([]string, 0, len(u.Set))
	for a := range u.Set {
		attrs = append(attrs, a)
	}
	sort.Strings(attrs)

	var parts []string
	if len(attrs) > 0 {
		sets := make([]string, 0, len(attrs))
		for _, a := range attrs {
			sets = append(sets, fmt.Sprintf("%s = %s", e.name(a), e.value(u.Set[a])))
		}
		parts = append(parts, "SET "+strings.Join(sets, ", "))
	}
	if len(u.Remove) > 0 {
		removes := make([]string, 0, len(u.Remove))
		for _, a := range u.Remove {
			removes = append(removes, e.name(a))
		}
		parts = append(parts, "REMOVE "+strings.Join(removes, ", "))
	}
	return strings.Join(parts, " ")
}
