package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetDoc loads and decodes a document.
func GetDoc[T any](ctx context.Context, s Store, collection, key string) (T, error) {
	var v T
	doc, err := s.Get(ctx, collection, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return v, nil
}

// CreateDoc encodes v and stores it if key is absent.
func CreateDoc[T any](ctx context.Context, s Store, collection, key string, v T) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	return s.Create(ctx, collection, key, body)
}

// PutDoc encodes v and stores it unconditionally.
func PutDoc[T any](ctx context.Context, s Store, collection, key string, v T) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	return s.Put(ctx, collection, key, body)
}

// UpdateDoc applies fn to the decoded current value inside one conditional
// write. fn returns ErrConditionFailed to reject; the stored document is then
// left untouched.
func UpdateDoc[T any](ctx context.Context, s Store, collection, key string, fn func(*T) error) (T, error) {
	var out T
	doc, err := s.Update(ctx, collection, key, func(current []byte) ([]byte, error) {
		var v T
		if err := json.Unmarshal(current, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, key, err)
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(doc.Body, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return out, nil
}

// DeleteDoc deletes the document if fn accepts its current value.
func DeleteDoc[T any](ctx context.Context, s Store, collection, key string, fn func(T) error) error {
	return s.Delete(ctx, collection, key, func(current []byte) error {
		var v T
		if err := json.Unmarshal(current, &v); err != nil {
			return fmt.Errorf("decode %s/%s: %w", collection, key, err)
		}
		return fn(v)
	})
}

// FindDocs decodes the result of Find.
func FindDocs[T any](ctx context.Context, s Store, collection, field, value string, limit int) ([]T, error) {
	docs, err := s.Find(ctx, collection, field, value, limit)
	if err != nil {
		return nil, err
	}
	res := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, d.Key, err)
		}
		res = append(res, v)
	}
	return res, nil
}
