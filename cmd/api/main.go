package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medvault.org/internal/annotation"
	"medvault.org/internal/approval"
	"medvault.org/internal/audit"
	"medvault.org/internal/auth"
	"medvault.org/internal/blob"
	"medvault.org/internal/catalog"
	"medvault.org/internal/config"
	"medvault.org/internal/httpapi"
	"medvault.org/internal/obs"
	"medvault.org/internal/store/memstore"
	"medvault.org/internal/store/sqldb"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// dataStore is the union of every store interface the services need. Both
// the SQL store and the in-memory store satisfy it.
type dataStore interface {
	auth.Store
	catalog.Store
	annotation.Store
	approval.Store
	audit.Store
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		st dataStore
		db *sql.DB
	)
	if cfg.DBDSN != "" {
		sqlStore, err := sqldb.Open(cfg.DBDSN, cfg.PersistTimeout)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer sqlStore.Close()
		st = sqlStore
		db = sqlStore.DB()
	} else {
		log.Print("no MEDVAULT_DB_DSN set, using in-memory store")
		st = memstore.New()
	}

	algo, err := blob.ParseAlgo(cfg.DigestAlgo)
	if err != nil {
		log.Fatalf("digest algorithm: %v", err)
	}
	blobs, err := blob.NewStore(cfg.StorageRoot, algo)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}

	rec := audit.NewRecorder(st)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rec.Verify(ctx)
		cancel()
		if err != nil {
			log.Fatalf("audit sink: %v", err)
		}
	}

	tokens, err := auth.NewTokenIssuer(cfg.AuthSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	authSvc, err := auth.NewService(st, tokens, rec)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	catalogSvc, err := catalog.NewService(st, blobs, st, rec, cfg.MIMEAllowList)
	if err != nil {
		log.Fatalf("catalog service: %v", err)
	}
	annotationSvc, err := annotation.NewService(st, catalogSvc, rec)
	if err != nil {
		log.Fatalf("annotation service: %v", err)
	}
	approvalSvc, err := approval.NewService(st, catalogSvc, rec, cfg.AuthSecret, cfg.GrantTTL)
	if err != nil {
		log.Fatalf("approval service: %v", err)
	}

	api := httpapi.New(authSvc, catalogSvc, annotationSvc, approvalSvc, rec, httpapi.Options{
		Version:      version,
		Ready:        httpapi.ReadyProbe{DB: db},
		MaxBodyBytes: cfg.MaxUploadBytes,
		RateBurst:    cfg.RateBurst,
		RatePerSec:   cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("starting medvault-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Print("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Print("stopped")
}
