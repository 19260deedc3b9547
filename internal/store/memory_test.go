package store

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
)

func TestCondition_Holds(t *testing.T) {
	const now = 1000
	holder := map[string]types.AttributeValue{"session_id": &types.AttributeValueMemberS{Value: "s1"}}
	other := map[string]types.AttributeValue{"session_id": &types.AttributeValueMemberS{Value: "s2"}}
	live := Item{
		"file_id":    &types.AttributeValueMemberS{Value: "f1"},
		"session_id": &types.AttributeValueMemberS{Value: "s1"},
		TTLAttribute: &types.AttributeValueMemberN{Value: "1000"},
	}
	expired := live.clone()
	expired[TTLAttribute] = &types.AttributeValueMemberN{Value: "999"}

	tests := []struct {
		name     string
		cond     *Condition
		existing Item
		want     bool
	}{
		{"nil condition", nil, live, true},
		{"vacant on absent", &Condition{Vacant: true, Now: now}, nil, true},
		{"vacant on live", &Condition{Vacant: true, Now: now}, live, false},
		{"vacant on expired", &Condition{Vacant: true, Now: now}, expired, true},
		{"vacant for the holder", &Condition{Vacant: true, Now: now, Match: holder}, live, true},
		{"vacant for someone else", &Condition{Vacant: true, Now: now, Match: other}, live, false},
		{"exists on absent", Exists(), nil, false},
		{"exists on expired", Exists(), expired, true},
		{"live on expired", &Condition{Live: true, Now: now}, expired, false},
		{"live on ttl equal to now", &Condition{Live: true, Now: now}, live, true},
		{"match", &Condition{Match: holder}, live, true},
		{"mismatch", &Condition{Match: other}, live, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.holds(tt.existing))
		})
	}
}
