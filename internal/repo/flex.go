package repo

import "encoding/json"

// flexField looks up a JSON object's raw field value trying the camelCase
// key first, then the snake_case key, per spec §6: "serialization uses
// snake_case for writes, camelCase for reads — implementers should accept
// both on read."
func flexField(obj map[string]json.RawMessage, camel, snake string) (json.RawMessage, bool) {
	if v, ok := obj[camel]; ok {
		return v, true
	}
	if v, ok := obj[snake]; ok {
		return v, true
	}
	return nil, false
}

func decodeField[T any](obj map[string]json.RawMessage, camel, snake string, dst *T) error {
	raw, ok := flexField(obj, camel, snake)
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
