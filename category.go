package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Categories
// ---------------------------------------------------------------------------

type category struct {
	ID          string    `json:"id"`
	Name        string    `json:"category_name"`
	Description string    `json:"category_description,omitempty"`
	Reference   string    `json:"category_reference"`
	CreatedAt   time.Time `json:"created_at"`
}

type createCategoryRequest struct {
	Name         string                 `json:"category_name"`
	Description  string                 `json:"category_description"`
	Reference    string                 `json:"category_reference"`
	CustomFields map[string]customValue `json:"custom_fields"`
}

func (req createCategoryRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return validationError("'category_name' is a mandatory field")
	}
	if strings.TrimSpace(req.Reference) == "" {
		return validationError("'category_reference' is a mandatory field")
	}
	return nil
}

// categoryView is the detail representation: the row plus its assigned
// products and the custom-field map pulled from the extension service.
type categoryView struct {
	category
	Products     []product              `json:"products"`
	CustomFields map[string]customValue `json:"custom_fields"`
}

type categoryStore struct {
	db          *sql.DB
	mu          sync.RWMutex
	byID        map[string]category
	assignments map[string][]string
}

func newCategoryStore(db *sql.DB) *categoryStore {
	return &categoryStore{
		db:          db,
		byID:        make(map[string]category),
		assignments: make(map[string][]string),
	}
}

func (s *categoryStore) list(ctx context.Context) ([]category, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		items := make([]category, 0, len(s.byID))
		for _, cat := range s.byID {
			items = append(items, cat)
		}
		return items, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category_name, category_description, category_reference, created_at FROM categories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]category, 0)
	for rows.Next() {
		cat, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cat)
	}
	return items, rows.Err()
}

func (s *categoryStore) create(ctx context.Context, cat category) error {
	if s.db == nil {
		s.mu.Lock()
		s.byID[cat.ID] = cat
		s.mu.Unlock()
		return nil
	}
	q := `INSERT INTO categories (id, category_name, category_description, category_reference, created_at)
		VALUES ($1,$2,$3,$4,$5)`
	_, err := s.db.ExecContext(ctx, q, cat.ID, cat.Name, nilIfEmpty(cat.Description), cat.Reference, cat.CreatedAt)
	return err
}

func (s *categoryStore) getByID(ctx context.Context, id string) (category, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		cat, ok := s.byID[id]
		if !ok {
			return category{}, sql.ErrNoRows
		}
		return cat, nil
	}
	return scanCategory(s.db.QueryRowContext(ctx,
		`SELECT id, category_name, category_description, category_reference, created_at FROM categories WHERE id = $1`, id))
}

func (s *categoryStore) getByReference(ctx context.Context, reference string) (category, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, cat := range s.byID {
			if cat.Reference == reference {
				return cat, nil
			}
		}
		return category{}, sql.ErrNoRows
	}
	return scanCategory(s.db.QueryRowContext(ctx,
		`SELECT id, category_name, category_description, category_reference, created_at FROM categories WHERE category_reference = $1`, reference))
}

// getByIDOrReference resolves a path segment that may be either form of
// identity, id first.
func (s *categoryStore) getByIDOrReference(ctx context.Context, key string) (category, error) {
	cat, err := s.getByID(ctx, key)
	if err == nil {
		return cat, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return category{}, err
	}
	return s.getByReference(ctx, key)
}

func (s *categoryStore) assignProducts(ctx context.Context, categoryID string, productIDs []string) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	assign:
		for _, id := range productIDs {
			for _, existing := range s.assignments[categoryID] {
				if existing == id {
					continue assign
				}
			}
			s.assignments[categoryID] = append(s.assignments[categoryID], id)
		}
		return nil
	}
	for _, id := range productIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO categories_products (category_id, product_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
			categoryID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *categoryStore) productIDs(categoryID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.assignments[categoryID]...)
}

func scanCategory(row rowScanner) (category, error) {
	var cat category
	var description sql.NullString
	if err := row.Scan(&cat.ID, &cat.Name, &description, &cat.Reference, &cat.CreatedAt); err != nil {
		return category{}, err
	}
	cat.Description = description.String
	return cat, nil
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func (s *server) handleCategories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !requireRoles(w, r, roleAdmin, roleReader) {
			return
		}
		items, err := s.categories.list(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		if !requireRoles(w, r, roleAdmin, roleEditor) {
			return
		}
		var req createCategoryRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := req.validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if _, err := s.categories.getByReference(r.Context(), req.Reference); err == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "category with 'category_reference' '" + req.Reference + "' already exists"})
			return
		} else if !errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		cat := category{
			ID:          uuid.NewString(),
			Name:        strings.TrimSpace(req.Name),
			Description: strings.TrimSpace(req.Description),
			Reference:   strings.TrimSpace(req.Reference),
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.categories.create(r.Context(), cat); err != nil {
			if isUniqueViolation(err) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "category with 'category_reference' '" + req.Reference + "' already exists"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		// The row is committed before values are attached; an attach
		// failure fails the request without rolling the row back.
		if err := s.extensions.AttachCustomFields(r.Context(), objectCategory, cat.ID, req.CustomFields); err != nil {
			writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": cat.ID})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *server) handleCategoryByID(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/categories/")
	if rest, found := strings.CutSuffix(key, "/products"); found {
		s.handleCategoryProducts(w, r, rest)
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !requireRoles(w, r, roleAdmin, roleReader) {
		return
	}
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	cat, err := s.categories.getByIDOrReference(r.Context(), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "category '" + key + "' was not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	view := categoryView{
		category:     cat,
		Products:     s.categoryProducts(r.Context(), cat.ID),
		CustomFields: s.extensions.customFieldsOrEmpty(r.Context(), objectCategory, cat.ID),
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": view})
}

func (s *server) handleCategoryProducts(w http.ResponseWriter, r *http.Request, categoryID string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !requireRoles(w, r, roleAdmin, roleEditor) {
		return
	}

	var productIDs []string
	if err := decodeJSON(r, &productIDs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(productIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no product ids were provided"})
		return
	}
	if _, err := s.categories.getByID(r.Context(), categoryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "category '" + categoryID + "' was not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := s.categories.assignProducts(r.Context(), categoryID, productIDs); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": categoryID})
}

// categoryProducts loads the products assigned to a category; lookup
// failures degrade to an empty list, matching the view's custom-field
// behavior.
func (s *server) categoryProducts(ctx context.Context, categoryID string) []product {
	items, err := s.products.listByCategory(ctx, s.categories, categoryID)
	if err != nil {
		s.log.Warn("could not load category products", zap.String("category_id", categoryID), zap.Error(err))
		return []product{}
	}
	return items
}
