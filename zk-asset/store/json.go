package store

import (
	"encoding/json"
	"fmt"
)

// GetJSON decodes the value stored under key into a new T.
func GetJSON[T any](r Reader, collection, key string) (*T, error) {
	bz, err := r.Get(collection, key)
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(bz, v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return v, nil
}

func PutJSON(w Writer, collection, key string, v any) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	return w.Put(collection, key, bz)
}

// Each decodes every value of collection in key order and passes it to fn.
func Each[T any](r Reader, collection string, fn func(key string, v *T) error) error {
	return r.ForEach(collection, func(key string, value []byte) error {
		v := new(T)
		if err := json.Unmarshal(value, v); err != nil {
			return fmt.Errorf("decode %s/%s: %w", collection, key, err)
		}
		return fn(key, v)
	})
}

// Filter returns, in key order, the decoded values of collection accepted by keep.
// A nil keep returns everything.
func Filter[T any](r Reader, collection string, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := Each(r, collection, func(_ string, v *T) error {
		if keep == nil || keep(v) {
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// IndexKey renders an index so that key order equals numeric order.
func IndexKey(i uint64) string {
	return fmt.Sprintf("%020d", i)
}
