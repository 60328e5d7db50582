package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gtfs-pattern-editor/internal/api"
	"gtfs-pattern-editor/internal/config"
	"gtfs-pattern-editor/internal/db"
	"gtfs-pattern-editor/internal/editor"
	"gtfs-pattern-editor/internal/gtfs"
	"gtfs-pattern-editor/internal/metrics"
	"gtfs-pattern-editor/internal/publisher"
	"gtfs-pattern-editor/internal/routing"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.RoutingTimeout, cfg.UndoLimit)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer shutdown(srv)
	}

	// Feed database is optional: without it patterns are only opened from request bodies
	var loader api.PatternLoader
	if cfg.DatabaseURL != "" {
		feed, err := openFeed(ctx, cfg)
		if err != nil {
			log.Fatalf("feed db: %v", err)
		}
		defer feed.Close()
		if cfg.City != "" {
			go feed.watch(ctx, cfg, 30*time.Minute)
		}
		loader = feed
	} else {
		log.Printf("no database configured, loading patterns from the feed is disabled")
	}

	// NATS publisher is optional as well
	var pub api.ShapePublisher
	if cfg.NATSURL != "" {
		np, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer np.Close()
		pub = np
	}

	var directions routing.Directions
	if cfg.RoutingURL != "" {
		directions = routing.NewValhalla(cfg.RoutingURL, cfg.RoutingCosting, &http.Client{})
	} else {
		log.Printf("no ROUTING_URL configured, street following falls back to straight lines")
	}
	router := routing.NewClient(directions, cfg.RoutingTimeout, routingMetrics(mcol))
	engine := editor.NewEngine(router, editMetrics(mcol))
	store := editor.NewStore(cfg.UndoLimit, storeMetrics(mcol))

	h := api.NewPatternHandler(store, engine, loader, pub, api.Options{
		AllowFallback:    cfg.StraightLineFallback,
		SnapRadiusMeters: cfg.SnapRadiusMeters,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(h, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()
	log.Printf("pattern editor listening on %s", cfg.HTTPAddr)

	// Block until context cancelled
	<-ctx.Done()
	shutdown(srv)
	log.Println("shutdown complete")
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// feedDB is the feed database, switched over when a newer import for the
// configured city shows up.
type feedDB struct {
	mu   sync.RWMutex
	db   *sql.DB
	name string
}

// openFeed connects to the feed database. With CITY set, the latest imported
// database for the city is resolved through the cluster's 'postgres' database.
func openFeed(ctx context.Context, cfg *config.Config) (*feedDB, error) {
	finalDSN := cfg.DatabaseURL
	var name string
	if cfg.City != "" {
		resolved, err := resolveCityDB(ctx, cfg)
		switch {
		case errors.Is(err, db.ErrNoImport):
			// the watcher switches over once the first import lands
			log.Printf("%v, using DATABASE_URL as is", err)
		case err != nil:
			return nil, err
		default:
			name = resolved
			finalDSN, err = db.WithDBName(cfg.DatabaseURL, name)
			if err != nil {
				return nil, err
			}
			log.Printf("Using database %q for city %q", name, cfg.City)
		}
	}
	sqlDB, err := db.Open(finalDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return &feedDB{db: sqlDB, name: name}, nil
}

func resolveCityDB(ctx context.Context, cfg *config.Config) (string, error) {
	rootDSN, err := db.WithDBName(cfg.DatabaseURL, "postgres")
	if err != nil {
		return "", err
	}
	metaDB, err := db.Open(rootDSN)
	if err != nil {
		return "", err
	}
	defer metaDB.Close()
	if err := db.Ping(ctx, metaDB); err != nil {
		return "", err
	}
	return db.ResolveLatestImportDBName(ctx, metaDB, cfg.City)
}

func (f *feedDB) FetchPattern(ctx context.Context, tripID string) (gtfs.Pattern, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return db.FetchPattern(ctx, f.db, tripID)
}

func (f *feedDB) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.db.Close()
}

// watch re-resolves the city database every interval and switches to a newer
// import, or reconnects when the current database stops answering.
func (f *feedDB) watch(ctx context.Context, cfg *config.Config, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		f.mu.RLock()
		current, name := f.db, f.name
		f.mu.RUnlock()

		needSwitch := false
		if err := db.Ping(ctx, current); err != nil {
			log.Printf("db ping failed: %v, re-resolving city DB", err)
			needSwitch = true
		}
		newName, err := resolveCityDB(ctx, cfg)
		if errors.Is(err, db.ErrNoImport) {
			log.Printf("%v, keeping database %q", err, name)
			continue
		}
		if err != nil {
			log.Printf("resolve latest import error: %v", err)
			continue
		}
		if newName != name {
			log.Printf("Detected updated DB for city %q: %q -> %q", cfg.City, name, newName)
			needSwitch = true
		}
		if !needSwitch {
			continue
		}

		newDSN, err := db.WithDBName(cfg.DatabaseURL, newName)
		if err != nil {
			log.Printf("compose DSN error: %v", err)
			continue
		}
		newDB, err := db.Open(newDSN)
		if err != nil {
			log.Printf("open new DB error: %v", err)
			continue
		}
		if err := db.Ping(ctx, newDB); err != nil {
			log.Printf("ping new DB error: %v", err)
			newDB.Close()
			continue
		}

		f.mu.Lock()
		old := f.db
		f.db, f.name = newDB, newName
		f.mu.Unlock()
		old.Close()
		log.Printf("Switched to DB %q for city %q", newName, cfg.City)
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

// The collector implements the component metric interfaces directly; a nil
// collector must become a nil interface, not a typed nil.

func routingMetrics(c *metrics.Collector) routing.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func editMetrics(c *metrics.Collector) editor.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func storeMetrics(c *metrics.Collector) editor.StoreMetrics {
	if c == nil {
		return nil
	}
	return c
}
