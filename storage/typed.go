package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetAs loads one record into T. It returns nil, nil when the key is absent.
func GetAs[T any](ctx context.Context, s *Store, table string, key any) (*T, error) {
	r, err := s.Get(ctx, table, key)
	if err != nil || r == nil {
		return nil, err
	}
	return decode[T](table, r)
}

// ListAs lists records into T. See Store.List for the selection rules.
func ListAs[T any](ctx context.Context, s *Store, table string, rng *KeyRange, index string) ([]*T, error) {
	rows, err := s.List(ctx, table, rng, index)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(rows))
	for _, r := range rows {
		v, err := decode[T](table, r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decode[T any](table string, r Record) (*T, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal %s row: %w", table, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s row: %w", table, err)
	}
	return &v, nil
}
