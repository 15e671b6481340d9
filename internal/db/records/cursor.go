package records

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/FranksOps/instaharvest/internal/resource"
)

// CursorAfter returns a cursor that resumes a scan of category right after
// key. Both table implementations accept it.
func CursorAfter(category resource.Category, key string) (string, error) {
	return encodeCursor(keyAttributes(category, key))
}

func keyAttributes(category resource.Category, key string) map[string]types.AttributeValue {
	var av types.AttributeValue = &types.AttributeValueMemberS{Value: key}
	if category.NumericKey() {
		av = &types.AttributeValueMemberN{Value: key}
	}
	return map[string]types.AttributeValue{category.KeyAttribute(): av}
}

// cursorValue is the JSON form of one key attribute. Only the scalar types
// used for table keys are supported.
type cursorValue struct {
	T string `json:"t"`
	V string `json:"v"`
}

// encodeCursor encodes a DynamoDB LastEvaluatedKey into an opaque token.
// An empty key yields an empty token.
func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	m := make(map[string]cursorValue, len(key))
	for name, av := range key {
		switch v := av.(type) {
		case *types.AttributeValueMemberS:
			m[name] = cursorValue{T: "S", V: v.Value}
		case *types.AttributeValueMemberN:
			m[name] = cursorValue{T: "N", V: v.Value}
		default:
			return "", fmt.Errorf("encoding cursor: unsupported key attribute %s of type %T", name, av)
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// decodeCursor decodes a token produced by encodeCursor into an
// ExclusiveStartKey. An empty token yields nil.
func decodeCursor(token string) (map[string]types.AttributeValue, error) {
	if token == "" {
		return nil, nil
	}
	b, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 cursor: %w", err)
	}
	var m map[string]cursorValue
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decoding cursor: %w", err)
	}
	key := make(map[string]types.AttributeValue, len(m))
	for name, cv := range m {
		switch cv.T {
		case "S":
			key[name] = &types.AttributeValueMemberS{Value: cv.V}
		case "N":
			key[name] = &types.AttributeValueMemberN{Value: cv.V}
		default:
			return nil, fmt.Errorf("decoding cursor: unsupported type %q for %s", cv.T, name)
		}
	}
	return key, nil
}
