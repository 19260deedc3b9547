package store

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// wireValue is the DynamoDB JSON form of an attribute value.
type wireValue struct {
	S    *string               `json:"S,omitempty"`
	N    *string               `json:"N,omitempty"`
	B    *[]byte               `json:"B,omitempty"`
	BOOL *bool                 `json:"BOOL,omitempty"`
	NULL *bool                 `json:"NULL,omitempty"`
	L    *[]wireValue          `json:"L,omitempty"`
	M    *map[string]wireValue `json:"M,omitempty"`
	SS   *[]string             `json:"SS,omitempty"`
	NS   *[]string             `json:"NS,omitempty"`
	BS   *[][]byte             `json:"BS,omitempty"`
}

// EncodeItem serializes an item for the cache tier.
func EncodeItem(item Item) ([]byte, error) {
	m, err := toWireMap(item)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeItem is the inverse of EncodeItem.
func DecodeItem(data []byte) (Item, error) {
	var m map[string]wireValue
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return fromWireMap(m)
}

func toWireMap(item map[string]types.AttributeValue) (map[string]wireValue, error) {
	out := make(map[string]wireValue, len(item))
	for k, v := range item {
		w, err := toWire(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = w
	}
	return out, nil
}

func toWire(v types.AttributeValue) (wireValue, error) {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return wireValue{S: &tv.Value}, nil
	case *types.AttributeValueMemberN:
		return wireValue{N: &tv.Value}, nil
	case *types.AttributeValueMemberB:
		b := tv.Value
		if b == nil {
			b = []byte{}
		}
		return wireValue{B: &b}, nil
	case *types.AttributeValueMemberBOOL:
		return wireValue{BOOL: &tv.Value}, nil
	case *types.AttributeValueMemberNULL:
		return wireValue{NULL: &tv.Value}, nil
	case *types.AttributeValueMemberL:
		list := make([]wireValue, 0, len(tv.Value))
		for _, e := range tv.Value {
			w, err := toWire(e)
			if err != nil {
				return wireValue{}, err
			}
			list = append(list, w)
		}
		return wireValue{L: &list}, nil
	case *types.AttributeValueMemberM:
		m, err := toWireMap(tv.Value)
		if err != nil {
			return wireValue{}, err
		}
		return wireValue{M: &m}, nil
	case *types.AttributeValueMemberSS:
		return wireValue{SS: &tv.Value}, nil
	case *types.AttributeValueMemberNS:
		return wireValue{NS: &tv.Value}, nil
	case *types.AttributeValueMemberBS:
		return wireValue{BS: &tv.Value}, nil
	}
	return wireValue{}, fmt.Errorf("unsupported attribute type %T", v)
}

func fromWireMap(m map[string]wireValue) (Item, error) {
	out := make(Item, len(m))
	for k, w := range m {
		v, err := fromWire(w)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func fromWire(w wireValue) (types.AttributeValue, error) {
	switch {
	case w.S != nil:
		return &types.AttributeValueMemberS{Value: *w.S}, nil
	case w.N != nil:
		return &types.AttributeValueMemberN{Value: *w.N}, nil
	case w.B != nil:
		return &types.AttributeValueMemberB{Value: *w.B}, nil
	case w.BOOL != nil:
		return &types.AttributeValueMemberBOOL{Value: *w.BOOL}, nil
	case w.NULL != nil:
		return &types.AttributeValueMemberNULL{Value: *w.NULL}, nil
	case w.L != nil:
		list := make([]types.AttributeValue, 0, len(*w.L))
		for _, e := range *w.L {
			v, err := fromWire(e)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return &types.AttributeValueMemberL{Value: list}, nil
	case w.M != nil:
		m, err := fromWireMap(*w.M)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case w.SS != nil:
		return &types.AttributeValueMemberSS{Value: *w.SS}, nil
	case w.NS != nil:
		return &types.AttributeValueMemberNS{Value: *w.NS}, nil
	case w.BS != nil:
		return &types.AttributeValueMemberBS{Value: *w.BS}, nil
	}
	return nil, fmt.Errorf("empty attribute value")
}

// equalValues compares two attribute values by their wire form.
func equalValues(a, b types.AttributeValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	wa, err := toWire(a)
	if err != nil {
		return false
	}
	wb, err := toWire(b)
	if err != nil {
		return false
	}
	ja, _ := json.Marshal(wa)
	jb, _ := json.Marshal(wb)
	return string(ja) == string(jb)
}
