// Package testutil provides the Redis-backed document store, fault injection
// and clocks shared by package tests.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"poruka/api/internal/docstore"
	"poruka/api/internal/model"
)

// NewLiveStore starts an in-process Redis and returns a live document store
// on top of it. Everything is torn down with the test.
func NewLiveStore(t testing.TB) (*docstore.Live, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return docstore.NewLive(docstore.NewRedisStore(client, docstore.WithUnique(model.CollectionUsers, model.FieldEmail, model.FieldHandle)), docstore.NewFeed(client)), client
}

// Op names a store operation for fault injection.
type Op string

const (
	OpGet    Op = "get"
	OpPut    Op = "put"
	OpDelete Op = "delete"
	OpQuery  Op = "query"
	OpList   Op = "list"
)

type fault struct {
	op         Op
	collection string
	key        string
	remaining  int
}

// FaultyStore wraps a live store and fails selected operations with
// STORE_UNAVAILABLE.
type FaultyStore struct {
	docstore.LiveStore

	mu     sync.Mutex
	faults []*fault
	calls  map[Op]int
}

func NewFaultyStore(inner docstore.LiveStore) *FaultyStore {
	return &FaultyStore{LiveStore: inner, calls: make(map[Op]int)}
}

// FailNext makes the next `times` calls of op on collection/key fail. An
// empty key matches every key of the collection.
func (s *FaultyStore) FailNext(op Op, collection, key string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{op: op, collection: collection, key: key, remaining: times})
}

// Calls returns how many times op was invoked, failed calls included.
func (s *FaultyStore) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *FaultyStore) check(op Op, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	for _, f := range s.faults {
		if f.remaining == 0 || f.op != op || f.collection != collection {
			continue
		}
		if f.key != "" && f.key != key {
			continue
		}
		f.remaining--
		return model.Unavailable(errInjected, "%s %s/%s", op, collection, key)
	}
	return nil
}

type injectedError struct{}

func (injectedError) Error() string { return "injected failure" }

var errInjected = injectedError{}

func (s *FaultyStore) Get(ctx context.Context, collection, key string) (docstore.Document, error) {
	if err := s.check(OpGet, collection, key); err != nil {
		return docstore.Document{}, err
	}
	return s.LiveStore.Get(ctx, collection, key)
}

func (s *FaultyStore) Put(ctx context.Context, collection, key string, fields docstore.Fields) error {
	if err := s.check(OpPut, collection, key); err != nil {
		return err
	}
	return s.LiveStore.Put(ctx, collection, key, fields)
}

func (s *FaultyStore) Delete(ctx context.Context, collection, key string) error {
	if err := s.check(OpDelete, collection, key); err != nil {
		return err
	}
	return s.LiveStore.Delete(ctx, collection, key)
}

func (s *FaultyStore) QueryEqual(ctx context.Context, collection, field, value string) ([]docstore.Document, error) {
	if err := s.check(OpQuery, collection, ""); err != nil {
		return nil, err
	}
	return s.LiveStore.QueryEqual(ctx, collection, field, value)
}

func (s *FaultyStore) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	if err := s.check(OpList, collection, ""); err != nil {
		return nil, err
	}
	return s.LiveStore.List(ctx, collection)
}
