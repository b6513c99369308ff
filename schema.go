package main

import (
	"context"
	"database/sql"
)

// ---------------------------------------------------------------------------
// Relational schema
// ---------------------------------------------------------------------------

// ensureSchema creates the relational tables on startup. metadata_fields is
// the field-definition catalog; the unique (object, field_name) index backs
// the registry's duplicate check.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS categories (
			id TEXT PRIMARY KEY,
			category_name TEXT NOT NULL,
			category_description TEXT,
			category_reference TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			product_name TEXT NOT NULL,
			product_description TEXT NOT NULL,
			product_color TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			src TEXT NOT NULL,
			srcset TEXT,
			alt TEXT,
			product_id TEXT NOT NULL REFERENCES products (id)
		)`,
		`CREATE TABLE IF NOT EXISTS categories_products (
			category_id TEXT NOT NULL REFERENCES categories (id),
			product_id TEXT NOT NULL REFERENCES products (id),
			PRIMARY KEY (category_id, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS inventories (
			id TEXT PRIMARY KEY,
			inventory_name TEXT NOT NULL,
			inventory_reference TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS inventories_products (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL REFERENCES products (id),
			inventory_id TEXT NOT NULL REFERENCES inventories (id),
			allocation INTEGER NOT NULL,
			UNIQUE (product_id, inventory_id)
		)`,
		`CREATE TABLE IF NOT EXISTS pricebooks (
			id TEXT PRIMARY KEY,
			pricebook_name TEXT NOT NULL,
			pricebook_reference TEXT NOT NULL UNIQUE,
			pricebook_currency_code TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pricebooks_products (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL REFERENCES products (id),
			pricebook_id TEXT NOT NULL REFERENCES pricebooks (id),
			price NUMERIC(12,2) NOT NULL,
			UNIQUE (product_id, pricebook_id)
		)`,
		`CREATE TABLE IF NOT EXISTS portal_users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			password TEXT NOT NULL,
			roles TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS metadata_fields (
			id TEXT PRIMARY KEY,
			object TEXT NOT NULL,
			field_type TEXT NOT NULL,
			field_name TEXT NOT NULL,
			mandatory BOOLEAN NOT NULL DEFAULT FALSE,
			description TEXT,
			min_len BIGINT,
			max_len BIGINT,
			UNIQUE (object, field_name)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			category TEXT,
			file TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
