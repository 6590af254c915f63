// Package docstore is the document store the engine is built on: key/value
// documents grouped into named collections, queryable by field equality, with
// full-snapshot change subscriptions. There is no cross-document transaction.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Fields is the JSON object body of a document. Numbers decode as
// json.Number so that values survive a round trip unchanged.
type Fields map[string]any

type Document struct {
	Collection string
	Key        string
	Fields     Fields
}

// Store is implemented by every backend. Get and Delete return
// model.ErrNotFound for a missing document; backend failures are reported as
// model.ErrStoreUnavailable.
type Store interface {
	Get(ctx context.Context, collection, key string) (Document, error)
	Put(ctx context.Context, collection, key string, fields Fields) error
	Delete(ctx context.Context, collection, key string) error
	QueryEqual(ctx context.Context, collection, field, value string) ([]Document, error)
	List(ctx context.Context, collection string) ([]Document, error)
}

// LiveStore is a Store that can also serve full-snapshot live queries.
type LiveStore interface {
	Store
	Subscribe(ctx context.Context, collection string, filter *Filter, fn SnapshotFunc) (*Watch, error)
}

// Filter restricts a subscription to documents whose field equals value.
type Filter struct {
	Field string
	Value string
}

// UniqueViolation reports a write that would give a unique field a value
// already held by another document of the collection.
type UniqueViolation struct {
	Collection string
	Field      string
}

func (e *UniqueViolation) Error() string {
	return fmt.Sprintf("%s.%s is already taken", e.Collection, e.Field)
}

// Encode converts a record into document fields.
func Encode(record any) (Fields, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return decodeFields(payload)
}

// Decode populates target from the document fields.
func Decode(doc Document, target any) error {
	payload, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("decode %s/%s: %w", doc.Collection, doc.Key, err)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s/%s: %w", doc.Collection, doc.Key, err)
	}
	return nil
}

func decodeFields(payload []byte) (Fields, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	fields := Fields{}
	if err := decoder.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return fields, nil
}

// matches compares a field's textual form the way Postgres' ->> operator does.
func (f Fields) matches(field, value string) bool {
	raw, ok := f[field]
	if !ok || raw == nil {
		return false
	}
	switch v := raw.(type) {
	case string:
		return v == value
	default:
		return fmt.Sprint(v) == value
	}
}

func sortByKey(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
}
