package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Inventories
// ---------------------------------------------------------------------------

type inventory struct {
	ID        string `json:"id"`
	Name      string `json:"inventory_name"`
	Reference string `json:"inventory_reference"`
}

type inventoryRecord struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	InventoryID string `json:"inventory_id"`
	Allocation  int    `json:"allocation"`
}

type createInventoryRequest struct {
	Name         string                 `json:"inventory_name"`
	Reference    string                 `json:"inventory_reference"`
	CustomFields map[string]customValue `json:"custom_fields"`
}

func (req createInventoryRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return validationError("'inventory_name' is a mandatory field")
	}
	if strings.TrimSpace(req.Reference) == "" {
		return validationError("'inventory_reference' is a mandatory field")
	}
	return nil
}

type createInventoryRecordRequest struct {
	ProductID   string `json:"product_id"`
	InventoryID string `json:"inventory_id"`
	Allocation  int    `json:"allocation"`
}

type inventoryView struct {
	inventory
	Records      []inventoryRecord      `json:"records"`
	CustomFields map[string]customValue `json:"custom_fields"`
}

type inventoryStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	byID    map[string]inventory
	records map[string][]inventoryRecord
}

func newInventoryStore(db *sql.DB) *inventoryStore {
	return &inventoryStore{
		db:      db,
		byID:    make(map[string]inventory),
		records: make(map[string][]inventoryRecord),
	}
}

func (s *inventoryStore) list(ctx context.Context) ([]inventory, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		items := make([]inventory, 0, len(s.byID))
		for _, inv := range s.byID {
			items = append(items, inv)
		}
		return items, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, inventory_name, inventory_reference FROM inventories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]inventory, 0)
	for rows.Next() {
		var inv inventory
		if err := rows.Scan(&inv.ID, &inv.Name, &inv.Reference); err != nil {
			return nil, err
		}
		items = append(items, inv)
	}
	return items, rows.Err()
}

func (s *inventoryStore) create(ctx context.Context, inv inventory) error {
	if s.db == nil {
		s.mu.Lock()
		s.byID[inv.ID] = inv
		s.mu.Unlock()
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inventories (id, inventory_name, inventory_reference) VALUES ($1,$2,$3)`,
		inv.ID, inv.Name, inv.Reference)
	return err
}

func (s *inventoryStore) getByID(ctx context.Context, id string) (inventory, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		inv, ok := s.byID[id]
		if !ok {
			return inventory{}, sql.ErrNoRows
		}
		return inv, nil
	}
	var inv inventory
	err := s.db.QueryRowContext(ctx,
		`SELECT id, inventory_name, inventory_reference FROM inventories WHERE id = $1`, id).
		Scan(&inv.ID, &inv.Name, &inv.Reference)
	return inv, err
}

func (s *inventoryStore) getByReference(ctx context.Context, reference string) (inventory, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, inv := range s.byID {
			if inv.Reference == reference {
				return inv, nil
			}
		}
		return inventory{}, sql.ErrNoRows
	}
	var inv inventory
	err := s.db.QueryRowContext(ctx,
		`SELECT id, inventory_name, inventory_reference FROM inventories WHERE inventory_reference = $1`, reference).
		Scan(&inv.ID, &inv.Name, &inv.Reference)
	return inv, err
}

func (s *inventoryStore) getByIDOrReference(ctx context.Context, key string) (inventory, error) {
	inv, err := s.getByID(ctx, key)
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return inventory{}, err
	}
	return s.getByReference(ctx, key)
}

func (s *inventoryStore) addRecord(ctx context.Context, rec inventoryRecord) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, existing := range s.records[rec.InventoryID] {
			if existing.ProductID == rec.ProductID {
				return errors.New("inventory record for that product already exists")
			}
		}
		s.records[rec.InventoryID] = append(s.records[rec.InventoryID], rec)
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inventories_products (id, product_id, inventory_id, allocation) VALUES ($1,$2,$3,$4)`,
		rec.ID, rec.ProductID, rec.InventoryID, rec.Allocation)
	return err
}

func (s *inventoryStore) listRecords(ctx context.Context, inventoryID string) ([]inventoryRecord, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append([]inventoryRecord(nil), s.records[inventoryID]...), nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, inventory_id, allocation FROM inventories_products WHERE inventory_id = $1`, inventoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]inventoryRecord, 0)
	for rows.Next() {
		var rec inventoryRecord
		if err := rows.Scan(&rec.ID, &rec.ProductID, &rec.InventoryID, &rec.Allocation); err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (s *inventoryStore) getRecord(ctx context.Context, inventoryID, productID string) (inventoryRecord, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, rec := range s.records[inventoryID] {
			if rec.ProductID == productID {
				return rec, nil
			}
		}
		return inventoryRecord{}, sql.ErrNoRows
	}
	var rec inventoryRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, product_id, inventory_id, allocation FROM inventories_products WHERE inventory_id = $1 AND product_id = $2`,
		inventoryID, productID).
		Scan(&rec.ID, &rec.ProductID, &rec.InventoryID, &rec.Allocation)
	return rec, err
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func (s *server) handleInventories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !requireRoles(w, r, roleAdmin, roleReader) {
			return
		}
		items, err := s.inventories.list(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		if !requireRoles(w, r, roleAdmin, roleEditor) {
			return
		}
		var req createInventoryRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := req.validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if _, err := s.inventories.getByReference(r.Context(), req.Reference); err == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "inventory with 'inventory_reference' '" + req.Reference + "' already exists"})
			return
		} else if !errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		inv := inventory{
			ID:        uuid.NewString(),
			Name:      strings.TrimSpace(req.Name),
			Reference: strings.TrimSpace(req.Reference),
		}
		if err := s.inventories.create(r.Context(), inv); err != nil {
			if isUniqueViolation(err) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "inventory with 'inventory_reference' '" + req.Reference + "' already exists"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if err := s.extensions.AttachCustomFields(r.Context(), objectInventory, inv.ID, req.CustomFields); err != nil {
			writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": inv.ID})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *server) handleInventoryRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !requireRoles(w, r, roleAdmin, roleEditor) {
		return
	}

	var req createInventoryRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ProductID == "" || req.InventoryID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "'product_id' and 'inventory_id' are mandatory fields"})
		return
	}
	if req.Allocation < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "'allocation' should not be negative"})
		return
	}
	if _, err := s.inventories.getByID(r.Context(), req.InventoryID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "inventory '" + req.InventoryID + "' was not found"})
		return
	}
	if _, err := s.products.getByID(r.Context(), req.ProductID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "product '" + req.ProductID + "' was not found"})
		return
	}

	rec := inventoryRecord{
		ID:          uuid.NewString(),
		ProductID:   req.ProductID,
		InventoryID: req.InventoryID,
		Allocation:  req.Allocation,
	}
	if err := s.inventories.addRecord(r.Context(), rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": rec.ID})
}

func (s *server) handleInventoryByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !requireRoles(w, r, roleAdmin, roleReader) {
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/inventories/")
	if inventoryID, productID, found := strings.Cut(key, "/records/"); found {
		s.handleInventoryRecordLookup(w, r, inventoryID, productID)
		return
	}
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	inv, err := s.inventories.getByIDOrReference(r.Context(), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "inventory '" + key + "' was not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	records, err := s.inventories.listRecords(r.Context(), inv.ID)
	if err != nil {
		records = []inventoryRecord{}
	}
	view := inventoryView{
		inventory:    inv,
		Records:      records,
		CustomFields: s.extensions.customFieldsOrEmpty(r.Context(), objectInventory, inv.ID),
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": view})
}

func (s *server) handleInventoryRecordLookup(w http.ResponseWriter, r *http.Request, inventoryID, productID string) {
	rec, err := s.inventories.getRecord(r.Context(), inventoryID, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "inventory record was not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": rec})
}
