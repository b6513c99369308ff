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
// Pricebooks
// ---------------------------------------------------------------------------

type pricebook struct {
	ID           string `json:"id"`
	Name         string `json:"pricebook_name"`
	Reference    string `json:"pricebook_reference"`
	CurrencyCode string `json:"pricebook_currency_code"`
}

type pricebookRecord struct {
	ID          string  `json:"id"`
	ProductID   string  `json:"product_id"`
	PricebookID string  `json:"pricebook_id"`
	Price       float64 `json:"price"`
}

type createPricebookRequest struct {
	Name         string                 `json:"pricebook_name"`
	Reference    string                 `json:"pricebook_reference"`
	CurrencyCode string                 `json:"pricebook_currency_code"`
	CustomFields map[string]customValue `json:"custom_fields"`
}

func (req createPricebookRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return validationError("'pricebook_name' is a mandatory field")
	}
	if strings.TrimSpace(req.Reference) == "" {
		return validationError("'pricebook_reference' is a mandatory field")
	}
	if strings.TrimSpace(req.CurrencyCode) == "" {
		return validationError("'pricebook_currency_code' is a mandatory field")
	}
	return nil
}

type createPricebookRecordRequest struct {
	ProductID   string  `json:"product_id"`
	PricebookID string  `json:"pricebook_id"`
	Price       float64 `json:"price"`
}

type pricebookView struct {
	pricebook
	Records      []pricebookRecord      `json:"records"`
	CustomFields map[string]customValue `json:"custom_fields"`
}

type pricebookStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	byID    map[string]pricebook
	records map[string][]pricebookRecord
}

func newPricebookStore(db *sql.DB) *pricebookStore {
	return &pricebookStore{
		db:      db,
		byID:    make(map[string]pricebook),
		records: make(map[string][]pricebookRecord),
	}
}

func (s *pricebookStore) list(ctx context.Context) ([]pricebook, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		items := make([]pricebook, 0, len(s.byID))
		for _, pb := range s.byID {
			items = append(items, pb)
		}
		return items, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pricebook_name, pricebook_reference, pricebook_currency_code FROM pricebooks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]pricebook, 0)
	for rows.Next() {
		var pb pricebook
		if err := rows.Scan(&pb.ID, &pb.Name, &pb.Reference, &pb.CurrencyCode); err != nil {
			return nil, err
		}
		items = append(items, pb)
	}
	return items, rows.Err()
}

func (s *pricebookStore) create(ctx context.Context, pb pricebook) error {
	if s.db == nil {
		s.mu.Lock()
		s.byID[pb.ID] = pb
		s.mu.Unlock()
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pricebooks (id, pricebook_name, pricebook_reference, pricebook_currency_code) VALUES ($1,$2,$3,$4)`,
		pb.ID, pb.Name, pb.Reference, pb.CurrencyCode)
	return err
}

func (s *pricebookStore) getByID(ctx context.Context, id string) (pricebook, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		pb, ok := s.byID[id]
		if !ok {
			return pricebook{}, sql.ErrNoRows
		}
		return pb, nil
	}
	var pb pricebook
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pricebook_name, pricebook_reference, pricebook_currency_code FROM pricebooks WHERE id = $1`, id).
		Scan(&pb.ID, &pb.Name, &pb.Reference, &pb.CurrencyCode)
	return pb, err
}

func (s *pricebookStore) getByReference(ctx context.Context, reference string) (pricebook, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, pb := range s.byID {
			if pb.Reference == reference {
				return pb, nil
			}
		}
		return pricebook{}, sql.ErrNoRows
	}
	var pb pricebook
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pricebook_name, pricebook_reference, pricebook_currency_code FROM pricebooks WHERE pricebook_reference = $1`, reference).
		Scan(&pb.ID, &pb.Name, &pb.Reference, &pb.CurrencyCode)
	return pb, err
}

func (s *pricebookStore) getByIDOrReference(ctx context.Context, key string) (pricebook, error) {
	pb, err := s.getByID(ctx, key)
	if err == nil {
		return pb, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return pricebook{}, err
	}
	return s.getByReference(ctx, key)
}

func (s *pricebookStore) addRecord(ctx context.Context, rec pricebookRecord) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, existing := range s.records[rec.PricebookID] {
			if existing.ProductID == rec.ProductID {
				return errors.New("pricebook record for that product already exists")
			}
		}
		s.records[rec.PricebookID] = append(s.records[rec.PricebookID], rec)
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pricebooks_products (id, product_id, pricebook_id, price) VALUES ($1,$2,$3,$4)`,
		rec.ID, rec.ProductID, rec.PricebookID, rec.Price)
	return err
}

func (s *pricebookStore) listRecords(ctx context.Context, pricebookID string) ([]pricebookRecord, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append([]pricebookRecord(nil), s.records[pricebookID]...), nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, pricebook_id, price FROM pricebooks_products WHERE pricebook_id = $1`, pricebookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]pricebookRecord, 0)
	for rows.Next() {
		var rec pricebookRecord
		if err := rows.Scan(&rec.ID, &rec.ProductID, &rec.PricebookID, &rec.Price); err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (s *pricebookStore) getRecord(ctx context.Context, pricebookID, productID string) (pricebookRecord, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, rec := range s.records[pricebookID] {
			if rec.ProductID == productID {
				return rec, nil
			}
		}
		return pricebookRecord{}, sql.ErrNoRows
	}
	var rec pricebookRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, product_id, pricebook_id, price FROM pricebooks_products WHERE pricebook_id = $1 AND product_id = $2`,
		pricebookID, productID).
		Scan(&rec.ID, &rec.ProductID, &rec.PricebookID, &rec.Price)
	return rec, err
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func (s *server) handlePricebooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !requireRoles(w, r, roleAdmin, roleReader) {
			return
		}
		items, err := s.pricebooks.list(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		if !requireRoles(w, r, roleAdmin, roleEditor) {
			return
		}
		var req createPricebookRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := req.validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if _, err := s.pricebooks.getByReference(r.Context(), req.Reference); err == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pricebook with 'pricebook_reference' '" + req.Reference + "' already exists"})
			return
		} else if !errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		pb := pricebook{
			ID:           uuid.NewString(),
			Name:         strings.TrimSpace(req.Name),
			Reference:    strings.TrimSpace(req.Reference),
			CurrencyCode: strings.ToUpper(strings.TrimSpace(req.CurrencyCode)),
		}
		if err := s.pricebooks.create(r.Context(), pb); err != nil {
			if isUniqueViolation(err) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pricebook with 'pricebook_reference' '" + req.Reference + "' already exists"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if err := s.extensions.AttachCustomFields(r.Context(), objectPricebook, pb.ID, req.CustomFields); err != nil {
			writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": pb.ID})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *server) handlePricebookRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !requireRoles(w, r, roleAdmin, roleEditor) {
		return
	}

	var req createPricebookRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ProductID == "" || req.PricebookID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "'product_id' and 'pricebook_id' are mandatory fields"})
		return
	}
	if req.Price < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "'price' should not be negative"})
		return
	}
	if _, err := s.pricebooks.getByID(r.Context(), req.PricebookID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pricebook '" + req.PricebookID + "' was not found"})
		return
	}
	if _, err := s.products.getByID(r.Context(), req.ProductID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "product '" + req.ProductID + "' was not found"})
		return
	}

	rec := pricebookRecord{
		ID:          uuid.NewString(),
		ProductID:   req.ProductID,
		PricebookID: req.PricebookID,
		Price:       req.Price,
	}
	if err := s.pricebooks.addRecord(r.Context(), rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": rec.ID})
}

func (s *server) handlePricebookByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !requireRoles(w, r, roleAdmin, roleReader) {
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/pricebooks/")
	if pricebookID, productID, found := strings.Cut(key, "/records/"); found {
		s.handlePricebookRecordLookup(w, r, pricebookID, productID)
		return
	}
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	pb, err := s.pricebooks.getByIDOrReference(r.Context(), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "pricebook '" + key + "' was not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	records, err := s.pricebooks.listRecords(r.Context(), pb.ID)
	if err != nil {
		records = []pricebookRecord{}
	}
	view := pricebookView{
		pricebook:    pb,
		Records:      records,
		CustomFields: s.extensions.customFieldsOrEmpty(r.Context(), objectPricebook, pb.ID),
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": view})
}

func (s *server) handlePricebookRecordLookup(w http.ResponseWriter, r *http.Request, pricebookID, productID string) {
	rec, err := s.pricebooks.getRecord(r.Context(), pricebookID, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "pricebook record was not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": rec})
}
