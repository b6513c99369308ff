package main

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Field definition registry
// ---------------------------------------------------------------------------

// fieldRegistry is the durable catalog of field definitions, scoped per
// object kind. GetDefinition returns (nil, nil) when no definition exists;
// absence is not an error.
type fieldRegistry interface {
	CreateDefinition(ctx context.Context, def fieldDefinition) (fieldDefinition, error)
	GetDefinition(ctx context.Context, object objectKind, name string) (*fieldDefinition, error)
	ListDefinitions(ctx context.Context, object objectKind) ([]fieldDefinition, error)
}

// pgFieldRegistry keeps definitions in the metadata_fields table, or in
// process memory when the service runs without a database.
type pgFieldRegistry struct {
	db  *sql.DB
	mu  sync.RWMutex
	mem map[objectKind]map[string]fieldDefinition
}

func newFieldRegistry(db *sql.DB) *pgFieldRegistry {
	return &pgFieldRegistry{
		db:  db,
		mem: make(map[objectKind]map[string]fieldDefinition),
	}
}

// CreateDefinition persists a new definition and returns it with its
// generated id. The caller is responsible for the duplicate check; the
// table's unique (object, field_name) index is the backstop.
func (r *pgFieldRegistry) CreateDefinition(ctx context.Context, def fieldDefinition) (fieldDefinition, error) {
	def.ID = uuid.NewString()

	if r.db == nil {
		r.mu.Lock()
		byName, ok := r.mem[def.Object]
		if !ok {
			byName = make(map[string]fieldDefinition)
			r.mem[def.Object] = byName
		}
		byName[def.Name] = def
		r.mu.Unlock()
		return def, nil
	}

	q := `INSERT INTO metadata_fields (id, object, field_type, field_name, mandatory, description, min_len, max_len)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := r.db.ExecContext(ctx, q,
		def.ID, string(def.Object), string(def.Type), def.Name, def.Mandatory,
		nilIfEmpty(def.Description), def.MinLen, def.MaxLen,
	); err != nil {
		return fieldDefinition{}, err
	}
	return def, nil
}

func (r *pgFieldRegistry) GetDefinition(ctx context.Context, object objectKind, name string) (*fieldDefinition, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if def, ok := r.mem[object][name]; ok {
			return &def, nil
		}
		return nil, nil
	}

	q := `SELECT id, object, field_type, field_name, mandatory, description, min_len, max_len
		FROM metadata_fields WHERE object = $1 AND field_name = $2`
	def, err := scanDefinition(r.db.QueryRowContext(ctx, q, string(object), name))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &def, nil
}

func (r *pgFieldRegistry) ListDefinitions(ctx context.Context, object objectKind) ([]fieldDefinition, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		defs := make([]fieldDefinition, 0, len(r.mem[object]))
		for _, def := range r.mem[object] {
			defs = append(defs, def)
		}
		return defs, nil
	}

	q := `SELECT id, object, field_type, field_name, mandatory, description, min_len, max_len
		FROM metadata_fields WHERE object = $1`
	rows, err := r.db.QueryContext(ctx, q, string(object))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := make([]fieldDefinition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (fieldDefinition, error) {
	var def fieldDefinition
	var object, fieldType string
	var description sql.NullString
	if err := row.Scan(&def.ID, &object, &fieldType, &def.Name, &def.Mandatory,
		&description, &def.MinLen, &def.MaxLen); err != nil {
		return fieldDefinition{}, err
	}
	def.Object = objectKind(object)
	def.Type = fieldValueKind(fieldType)
	def.Description = description.String
	return def, nil
}
