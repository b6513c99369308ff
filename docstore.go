package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// ---------------------------------------------------------------------------
// Value store
// ---------------------------------------------------------------------------

// valueStore persists custom-field values in the schema-less store, one
// logical collection per object kind.
type valueStore interface {
	// EnsureCollections verifies (creating if missing) the backing
	// collection for each kind. Runs once at startup; failure is fatal.
	EnsureCollections(kinds []objectKind) error
	// PutValues writes all entries in a single store-level batch.
	PutValues(ctx context.Context, object objectKind, entries []fieldValue) error
	// GetValues returns every stored value for the entity reference,
	// in no particular order.
	GetValues(ctx context.Context, object objectKind, entityRef string) ([]fieldValue, error)
}

// collectionName maps an object kind to its collection.
func collectionName(object objectKind) []byte {
	switch object {
	case objectProduct:
		return []byte("products")
	case objectCategory:
		return []byte("categories")
	case objectInventory:
		return []byte("inventories")
	case objectPricebook:
		return []byte("pricebooks")
	}
	return []byte(string(object))
}

// boltValueStore keeps custom-field values in a bbolt file, one bucket per
// object kind. Keys are entity_reference 0x00 field_name, so re-attaching a
// field to the same entity replaces the previous value instead of appending
// a duplicate entry.
type boltValueStore struct {
	db *bolt.DB
}

func newBoltValueStore(db *bolt.DB) *boltValueStore {
	return &boltValueStore{db: db}
}

// docEntry is the stored representation of a fieldValue. The value kind is
// written out explicitly so reads never re-infer it from the JSON type.
type docEntry struct {
	EntityRef string          `json:"extr_ref"`
	FieldName string          `json:"field_name"`
	Kind      fieldValueKind  `json:"$type"`
	Value     json.RawMessage `json:"value"`
}

func (s *boltValueStore) EnsureCollections(kinds []objectKind) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, kind := range kinds {
			if _, err := tx.CreateBucketIfNotExists(collectionName(kind)); err != nil {
				return fmt.Errorf("create collection %s: %w", collectionName(kind), err)
			}
		}
		return nil
	})
}

func (s *boltValueStore) PutValues(ctx context.Context, object objectKind, entries []fieldValue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(collectionName(object))
		if bucket == nil {
			return fmt.Errorf("collection %s does not exist", collectionName(object))
		}
		for _, entry := range entries {
			raw, err := json.Marshal(entry.Value)
			if err != nil {
				return err
			}
			doc, err := json.Marshal(docEntry{
				EntityRef: entry.EntityRef,
				FieldName: entry.FieldName,
				Kind:      entry.Value.Kind,
				Value:     raw,
			})
			if err != nil {
				return err
			}
			if err := bucket.Put(valueKey(entry.EntityRef, entry.FieldName), doc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltValueStore) GetValues(ctx context.Context, object objectKind, entityRef string) ([]fieldValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values := make([]fieldValue, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(collectionName(object))
		if bucket == nil {
			return fmt.Errorf("collection %s does not exist", collectionName(object))
		}
		prefix := valueKey(entityRef, "")
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			entry, err := decodeDocEntry(v)
			if err != nil {
				return err
			}
			values = append(values, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

func valueKey(entityRef, fieldName string) []byte {
	key := make([]byte, 0, len(entityRef)+1+len(fieldName))
	key = append(key, entityRef...)
	key = append(key, 0)
	key = append(key, fieldName...)
	return key
}

func decodeDocEntry(data []byte) (fieldValue, error) {
	var doc docEntry
	if err := json.Unmarshal(data, &doc); err != nil {
		return fieldValue{}, err
	}
	value := customValue{Kind: doc.Kind}
	switch doc.Kind {
	case fieldTypeString:
		if err := json.Unmarshal(doc.Value, &value.Str); err != nil {
			return fieldValue{}, err
		}
	case fieldTypeInt:
		if err := json.Unmarshal(doc.Value, &value.Int); err != nil {
			return fieldValue{}, err
		}
	default:
		return fieldValue{}, fmt.Errorf("stored value for field '%s' has unsupported kind %q", doc.FieldName, doc.Kind)
	}
	return fieldValue{EntityRef: doc.EntityRef, FieldName: doc.FieldName, Value: value}, nil
}
