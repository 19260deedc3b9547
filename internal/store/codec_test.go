package store

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_PreservesNestedItem(t *testing.T) {
	item := Item{
		"file_id": &types.AttributeValueMemberS{Value: "f1"},
		"ttl":     &types.AttributeValueMemberN{Value: "1700000000"},
		"denied":  &types.AttributeValueMemberBOOL{Value: false},
		"blob":    &types.AttributeValueMemberB{Value: []byte{}},
		"none":    &types.AttributeValueMemberNULL{Value: true},
		"tags":    &types.AttributeValueMemberSS{Value: []string{"a", "b"}},
		"changes": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				"seq":     &types.AttributeValueMemberN{Value: "1"},
				"payload": &types.AttributeValueMemberS{Value: "move 1 2"},
			}},
		}},
	}

	data, err := EncodeItem(item)
	require.NoError(t, err)
	got, err := DecodeItem(data)
	require.NoError(t, err)

	require.Len(t, got, len(item))
	for attr, want := range item {
		assert.True(t, equalValues(want, got[attr]), "attribute %s", attr)
	}
	blob, ok := got["blob"].(*types.AttributeValueMemberB)
	require.True(t, ok, "empty binary must survive")
	assert.Empty(t, blob.Value)
}

func TestCodec_RejectsGarbage(t *testing.T) {
	_, err := DecodeItem([]byte(`{"a":{}}`))
	assert.Error(t, err)

	_, err = DecodeItem([]byte(`not json`))
	assert.Error(t, err)
}
