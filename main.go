package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

type server struct {
	cfg config
	log *zap.Logger
	db  *sql.DB

	extensions  *extensionService
	categories  *categoryStore
	products    *productStore
	inventories *inventoryStore
	pricebooks  *pricebookStore
	portalUsers *portalUserStore
	audit       *auditStore
}

func newServer(cfg config, log *zap.Logger, db *sql.DB, values valueStore) *server {
	return &server{
		cfg:         cfg,
		log:         log,
		db:          db,
		extensions:  newExtensionService(newFieldRegistry(db), values, cfg.CacheTTL, log),
		categories:  newCategoryStore(db),
		products:    newProductStore(db),
		inventories: newInventoryStore(db),
		pricebooks:  newPricebookStore(db),
		portalUsers: newPortalUserStore(db),
		audit:       newAuditStore(db),
	}
}

// routes builds the handler tree. Everything except sign-in and healthz sits
// behind the JWT middleware.
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		mode := "postgres"
		if s.db == nil {
			mode = "memory"
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "service": "commercyfy-core", "mode": mode})
	})
	mux.HandleFunc("/portal/signin", s.handleSignin)

	authed := http.NewServeMux()
	authed.HandleFunc("/extensions", s.handleExtensions)
	authed.HandleFunc("/extensions/", s.handleExtensionsByObject)
	authed.HandleFunc("/categories", s.handleCategories)
	authed.HandleFunc("/categories/", s.handleCategoryByID)
	authed.HandleFunc("/products", s.handleProducts)
	authed.HandleFunc("/products/", s.handleProductByID)
	authed.HandleFunc("/inventories", s.handleInventories)
	authed.HandleFunc("/inventories/records", s.handleInventoryRecords)
	authed.HandleFunc("/inventories/", s.handleInventoryByID)
	authed.HandleFunc("/pricebooks", s.handlePricebooks)
	authed.HandleFunc("/pricebooks/records", s.handlePricebookRecords)
	authed.HandleFunc("/pricebooks/", s.handlePricebookByID)
	authed.HandleFunc("/portal/users", s.handlePortalUsers)
	authed.HandleFunc("/portal/users/", s.handlePortalUserByID)
	authed.HandleFunc("/logs", s.handleLogs)
	mux.Handle("/", s.withAuth(authed))

	return withServerDefaults(withRequestLog(s.log, mux))
}

// ---------------------------------------------------------------------------
// main
// ---------------------------------------------------------------------------

func main() {
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	log, err := newLogger(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	var db *sql.DB
	if dsn := cfg.connString(); dsn == "" {
		log.Warn("no database configured, running in memory mode")
	} else if conn, err := connectDB(dsn); err != nil {
		log.Warn("database unavailable, running in memory mode", zap.Error(err))
	} else {
		db = conn
		if err := ensureSchema(context.Background(), db); err != nil {
			log.Warn("schema setup failed, using memory mode", zap.Error(err))
			_ = db.Close()
			db = nil
		}
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	// The document store is load-bearing for every object kind; refuse to
	// serve without it.
	docDB, err := bolt.Open(cfg.DocstorePath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		log.Fatal("could not open the document store", zap.String("path", cfg.DocstorePath), zap.Error(err))
	}
	defer func() { _ = docDB.Close() }()

	values := newBoltValueStore(docDB)
	if err := values.EnsureCollections(objectKinds); err != nil {
		log.Fatal("could not prepare document store collections", zap.Error(err))
	}

	srv := newServer(cfg, log, db, values)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	log.Info("commercyfy-core listening", zap.String("port", cfg.Port))
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "dev" || mode == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func connectDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(60)
	db.SetMaxIdleConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
