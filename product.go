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
)

// ---------------------------------------------------------------------------
// Products
// ---------------------------------------------------------------------------

type product struct {
	ID          string    `json:"id"`
	Name        string    `json:"product_name"`
	Description string    `json:"product_description"`
	Color       string    `json:"product_color,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type productImage struct {
	ID        string `json:"id"`
	Src       string `json:"src"`
	Srcset    string `json:"srcset,omitempty"`
	Alt       string `json:"alt,omitempty"`
	ProductID string `json:"product_id"`
}

type createProductImageRequest struct {
	Src    string `json:"src"`
	Srcset string `json:"srcset"`
	Alt    string `json:"alt"`
}

type createProductRequest struct {
	Name                string                      `json:"product_name"`
	Description         string                      `json:"product_description"`
	Color               string                      `json:"product_color"`
	Images              []createProductImageRequest `json:"product_images"`
	CategoryAssignments []string                    `json:"category_assignments"`
	CustomFields        map[string]customValue      `json:"custom_fields"`
}

func (req createProductRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return validationError("'product_name' is a mandatory field")
	}
	if strings.TrimSpace(req.Description) == "" {
		return validationError("'product_description' is a mandatory field")
	}
	for _, img := range req.Images {
		if strings.TrimSpace(img.Src) == "" {
			return validationError("'src' is a mandatory field for product images")
		}
	}
	return nil
}

type productView struct {
	product
	Images       []productImage         `json:"images"`
	CustomFields map[string]customValue `json:"custom_fields"`
}

type productStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	byID   map[string]product
	images map[string][]productImage
}

func newProductStore(db *sql.DB) *productStore {
	return &productStore{
		db:     db,
		byID:   make(map[string]product),
		images: make(map[string][]productImage),
	}
}

func (s *productStore) create(ctx context.Context, p product) error {
	if s.db == nil {
		s.mu.Lock()
		s.byID[p.ID] = p
		s.mu.Unlock()
		return nil
	}
	q := `INSERT INTO products (id, product_name, product_description, product_color, created_at)
		VALUES ($1,$2,$3,$4,$5)`
	_, err := s.db.ExecContext(ctx, q, p.ID, p.Name, p.Description, nilIfEmpty(p.Color), p.CreatedAt)
	return err
}

func (s *productStore) getByID(ctx context.Context, id string) (product, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		p, ok := s.byID[id]
		if !ok {
			return product{}, sql.ErrNoRows
		}
		return p, nil
	}
	return scanProduct(s.db.QueryRowContext(ctx,
		`SELECT id, product_name, product_description, product_color, created_at FROM products WHERE id = $1`, id))
}

func (s *productStore) addImage(ctx context.Context, img productImage) error {
	if s.db == nil {
		s.mu.Lock()
		s.images[img.ProductID] = append(s.images[img.ProductID], img)
		s.mu.Unlock()
		return nil
	}
	q := `INSERT INTO images (id, src, srcset, alt, product_id) VALUES ($1,$2,$3,$4,$5)`
	_, err := s.db.ExecContext(ctx, q, img.ID, img.Src, nilIfEmpty(img.Srcset), nilIfEmpty(img.Alt), img.ProductID)
	return err
}

func (s *productStore) imagesByProduct(ctx context.Context, productID string) ([]productImage, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append([]productImage(nil), s.images[productID]...), nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, src, srcset, alt, product_id FROM images WHERE product_id = $1`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]productImage, 0)
	for rows.Next() {
		var img productImage
		var srcset, alt sql.NullString
		if err := rows.Scan(&img.ID, &img.Src, &srcset, &alt, &img.ProductID); err != nil {
			return nil, err
		}
		img.Srcset = srcset.String
		img.Alt = alt.String
		items = append(items, img)
	}
	return items, rows.Err()
}

// listByCategory resolves the products assigned to a category. In database
// mode the join table answers directly; in memory mode the category store's
// assignment map does.
func (s *productStore) listByCategory(ctx context.Context, categories *categoryStore, categoryID string) ([]product, error) {
	if s.db == nil {
		items := make([]product, 0)
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, id := range categories.productIDs(categoryID) {
			if p, ok := s.byID[id]; ok {
				items = append(items, p)
			}
		}
		return items, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.product_name, p.product_description, p.product_color, p.created_at
		FROM products p JOIN categories_products cp ON cp.product_id = p.id
		WHERE cp.category_id = $1`, categoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func scanProduct(row rowScanner) (product, error) {
	var p product
	var color sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &color, &p.CreatedAt); err != nil {
		return product{}, err
	}
	p.Color = color.String
	return p, nil
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func (s *server) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !requireRoles(w, r, roleAdmin, roleEditor) {
		return
	}

	var req createProductRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	p := product{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		Color:       strings.TrimSpace(req.Color),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.products.create(r.Context(), p); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	for _, imgReq := range req.Images {
		img := productImage{
			ID:        uuid.NewString(),
			Src:       strings.TrimSpace(imgReq.Src),
			Srcset:    strings.TrimSpace(imgReq.Srcset),
			Alt:       strings.TrimSpace(imgReq.Alt),
			ProductID: p.ID,
		}
		if err := s.products.addImage(r.Context(), img); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	if len(req.CategoryAssignments) > 0 {
		for _, categoryID := range req.CategoryAssignments {
			if _, err := s.categories.getByID(r.Context(), categoryID); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "category '" + categoryID + "' was not found"})
				return
			}
			if err := s.categories.assignProducts(r.Context(), categoryID, []string{p.ID}); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
		}
	}

	if err := s.extensions.AttachCustomFields(r.Context(), objectProduct, p.ID, req.CustomFields); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": p.ID})
}

func (s *server) handleProductByID(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/products/")
	if productID, found := strings.CutSuffix(key, "/images"); found {
		s.handleProductImages(w, r, productID)
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

	p, err := s.products.getByID(r.Context(), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "product '" + key + "' was not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	images, err := s.products.imagesByProduct(r.Context(), p.ID)
	if err != nil {
		images = []productImage{}
	}
	view := productView{
		product:      p,
		Images:       images,
		CustomFields: s.extensions.customFieldsOrEmpty(r.Context(), objectProduct, p.ID),
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": view})
}

func (s *server) handleProductImages(w http.ResponseWriter, r *http.Request, productID string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !requireRoles(w, r, roleAdmin, roleEditor) {
		return
	}

	var req createProductImageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Src) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "'src' is a mandatory field"})
		return
	}
	if _, err := s.products.getByID(r.Context(), productID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "product '" + productID + "' was not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	img := productImage{
		ID:        uuid.NewString(),
		Src:       strings.TrimSpace(req.Src),
		Srcset:    strings.TrimSpace(req.Srcset),
		Alt:       strings.TrimSpace(req.Alt),
		ProductID: productID,
	}
	if err := s.products.addImage(r.Context(), img); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": img.ID})
}
