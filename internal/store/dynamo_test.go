package store

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo records requests and replays canned responses.
type fakeDynamo struct {
	DynamoAPI

	put     *dynamodb.PutItemInput
	putErr  error
	update  *dynamodb.UpdateItemInput
	get     *dynamodb.GetItemOutput
	queries []*dynamodb.QueryInput
	pages   []*dynamodb.QueryOutput
}

func (f *fakeDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return f.get, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.put = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.update = in
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"file_id": &types.AttributeValueMemberS{Value: "f1"},
	}}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	cp := *in
	f.queries = append(f.queries, &cp)
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

var leases = Table{Name: "EditLeases", PartitionKey: "file_id"}

func TestDynamo_PutRendersVacantCondition(t *testing.T) {
	fake := &fakeDynamo{}
	d := NewDynamo(fake)

	item := Item{"file_id": &types.AttributeValueMemberS{Value: "f1"}}
	cond := &Condition{Vacant: true, Now: 1000, Match: map[string]types.AttributeValue{
		"session_id": &types.AttributeValueMemberS{Value: "s1"},
	}}
	require.NoError(t, d.Put(context.Background(), leases, item, cond))

	require.NotNil(t, fake.put)
	assert.Equal(t, "attribute_not_exists(#n0) OR #n1 < :v0 OR (#n2 = :v1)", aws.ToString(fake.put.ConditionExpression))
	assert.Equal(t, map[string]string{"#n0": "file_id", "#n1": "ttl", "#n2": "session_id"}, fake.put.ExpressionAttributeNames)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1000"}, fake.put.ExpressionAttributeValues[":v0"])
}

func TestDynamo_PutWithoutCondition(t *testing.T) {
	fake := &fakeDynamo{}
	d := NewDynamo(fake)

	require.NoError(t, d.Put(context.Background(), leases, Item{"file_id": &types.AttributeValueMemberS{Value: "f1"}}, nil))
	assert.Nil(t, fake.put.ConditionExpression)
	assert.Nil(t, fake.put.ExpressionAttributeValues)
}

func TestDynamo_TranslatesConditionalCheckFailure(t *testing.T) {
	fake := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: aws.String("nope")}}
	d := NewDynamo(fake)

	err := d.Put(context.Background(), leases, Item{"file_id": &types.AttributeValueMemberS{Value: "f1"}}, &Condition{Vacant: true})
	assert.ErrorIs(t, err, ErrConditionFailed)
	assert.False(t, IsRetryable(err))
}

func TestDynamo_GetMissIsNotFound(t *testing.T) {
	d := NewDynamo(&fakeDynamo{get: &dynamodb.GetItemOutput{}})

	_, err := d.Get(context.Background(), leases, Key{PK: "f1"}, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamo_UpdateExpression(t *testing.T) {
	fake := &fakeDynamo{}
	d := NewDynamo(fake)

	_, err := d.Update(context.Background(), leases, Key{PK: "f1"}, Update{
		Set: map[string]types.AttributeValue{
			"ttl":        &types.AttributeValueMemberN{Value: "2000"},
			"session_id": &types.AttributeValueMemberS{Value: "s1"},
		},
		Remove:    []string{"denied"},
		Condition: Exists(),
	})
	require.NoError(t, err)

	in := fake.update
	assert.Equal(t, "SET #n0 = :v0, #n1 = :v1 REMOVE #n2", aws.ToString(in.UpdateExpression))
	assert.Equal(t, "attribute_exists(#n3)", aws.ToString(in.ConditionExpression))
	assert.Equal(t, "session_id", in.ExpressionAttributeNames["#n0"])
	assert.Equal(t, "ttl", in.ExpressionAttributeNames["#n1"])
	assert.Equal(t, "file_id", in.ExpressionAttributeNames["#n3"])
	assert.Equal(t, types.ReturnValueAllNew, in.ReturnValues)
}

func TestDynamo_QueryFollowsPagesAndFiltersTTL(t *testing.T) {
	page1 := &dynamodb.QueryOutput{
		Items:            []map[string]types.AttributeValue{{"session_id": &types.AttributeValueMemberS{Value: "a"}}},
		LastEvaluatedKey: map[string]types.AttributeValue{"session_id": &types.AttributeValueMemberS{Value: "a"}},
	}
	page2 := &dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{{"session_id": &types.AttributeValueMemberS{Value: "b"}}},
	}
	fake := &fakeDynamo{pages: []*dynamodb.QueryOutput{page1, page2}}
	d := NewDynamo(fake)

	items, err := d.Query(context.Background(), Query{Table: docs, KeyValue: "f1", Consistent: true}, 1234)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	require.Len(t, fake.queries, 2)
	first := fake.queries[0]
	assert.Equal(t, "#n0 = :v0", aws.ToString(first.KeyConditionExpression))
	assert.Equal(t, "(attribute_not_exists(#n1) OR #n1 >= :v1)", aws.ToString(first.FilterExpression))
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1234"}, first.ExpressionAttributeValues[":v1"])
	assert.True(t, aws.ToBool(first.ConsistentRead))
	assert.Nil(t, first.ExclusiveStartKey)
	assert.NotNil(t, fake.queries[1].ExclusiveStartKey)
}

func TestDynamo_IndexQueryIsNeverConsistent(t *testing.T) {
	fake := &fakeDynamo{pages: []*dynamodb.QueryOutput{{}}}
	d := NewDynamo(fake)

	_, err := d.Query(context.Background(), Query{
		Table:      docs,
		Index:      "linked_session_index",
		KeyAttr:    "linked_user_session_id",
		KeyValue:   "login-1",
		Consistent: true,
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, "linked_session_index", aws.ToString(fake.queries[0].IndexName))
	assert.Nil(t, fake.queries[0].ConsistentRead)
	assert.Equal(t, "linked_user_session_id", fake.queries[0].ExpressionAttributeNames["#n0"])
}
