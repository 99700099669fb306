package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const memoryShards = 32

// Memory is an embedded backend. Each record is guarded by the mutex of the
// shard its key hashes to, so conditional writes on one record are totally
// ordered while writes to different shards proceed in parallel.
type Memory struct {
	opts   Options
	shards [memoryShards]memoryShard
	closed bool
	mu     sync.RWMutex
}

type memoryShard struct {
	mu   sync.Mutex
	docs map[string]Document
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-process store.
func NewMemory(opts Options) *Memory {
	m := &Memory{opts: opts}
	for i := range m.shards {
		m.shards[i].docs = make(map[string]Document)
	}
	return m
}

func memoryKey(collection, key string) string {
	return collection + "\x00" + key
}

func (m *Memory) shard(collection, key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(memoryKey(collection, key)))
	return &m.shards[h.Sum32()%memoryShards]
}

func (m *Memory) check(ctx context.Context, op string) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return &UnavailableError{Op: op, Err: errors.New("store closed")}
	}
	if err := ctx.Err(); err != nil {
		return &UnavailableError{Op: op, Err: err}
	}
	return nil
}

func (m *Memory) stamp() string {
	return m.opts.now().UTC().Format(time.RFC3339Nano)
}

func (m *Memory) Get(ctx context.Context, collection, key string) (Document, error) {
	if err := m.check(ctx, "get"); err != nil {
		return Document{}, err
	}
	sh := m.shard(collection, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	doc, ok := sh.docs[memoryKey(collection, key)]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (m *Memory) Put(ctx context.Context, collection, key string, body []byte) error {
	if err := m.check(ctx, "put"); err != nil {
		return err
	}
	sh := m.shard(collection, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	k := memoryKey(collection, key)
	prev := sh.docs[k]
	sh.docs[k] = Document{
		Collection: collection,
		Key:        key,
		Version:    prev.Version + 1,
		Body:       bytes.Clone(body),
		UpdatedAt:  m.stamp(),
	}
	return nil
}

func (m *Memory) Create(ctx context.Context, collection, key string, body []byte) error {
	if err := m.check(ctx, "create"); err != nil {
		return err
	}
	sh := m.shard(collection, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	k := memoryKey(collection, key)
	if _, ok := sh.docs[k]; ok {
		return ErrConditionFailed
	}
	sh.docs[k] = Document{Collection: collection, Key: key, Version: 1, Body: bytes.Clone(body), UpdatedAt: m.stamp()}
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, key string, fn Mutator) (Document, error) {
	if err := m.check(ctx, "update"); err != nil {
		return Document{}, err
	}
	sh := m.shard(collection, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	k := memoryKey(collection, key)
	cur, ok := sh.docs[k]
	if !ok {
		return Document{}, ErrNotFound
	}
	next, err := fn(bytes.Clone(cur.Body))
	if err != nil {
		return Document{}, err
	}
	doc := Document{Collection: collection, Key: key, Version: cur.Version + 1, Body: bytes.Clone(next), UpdatedAt: m.stamp()}
	sh.docs[k] = doc
	return cloneDoc(doc), nil
}

func (m *Memory) Delete(ctx context.Context, collection, key string, fn Predicate) error {
	if err := m.check(ctx, "delete"); err != nil {
		return err
	}
	sh := m.shard(collection, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	k := memoryKey(collection, key)
	cur, ok := sh.docs[k]
	if !ok {
		return ErrNotFound
	}
	if fn != nil {
		if err := fn(bytes.Clone(cur.Body)); err != nil {
			return err
		}
	}
	delete(sh.docs, k)
	return nil
}

func (m *Memory) Find(ctx context.Context, collection, field, value string, limit int) ([]Document, error) {
	if err := m.check(ctx, "find"); err != nil {
		return nil, err
	}
	var res []Document
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for _, doc := range sh.docs {
			if doc.Collection != collection {
				continue
			}
			var fields map[string]any
			if err := json.Unmarshal(doc.Body, &fields); err != nil {
				continue
			}
			if s, ok := fields[field].(string); ok && s == value {
				res = append(res, cloneDoc(doc))
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func cloneDoc(d Document) Document {
	d.Body = bytes.Clone(d.Body)
	return d
}
