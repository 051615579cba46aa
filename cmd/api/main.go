package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"evalsync/api/internal/app"
	"evalsync/api/internal/config"
	"evalsync/api/internal/docstore"
	"evalsync/api/internal/editor"
	"evalsync/api/internal/extraction"
	"evalsync/api/internal/notify"
	"evalsync/api/internal/preview"
	"evalsync/api/internal/revisions"
	"evalsync/api/internal/search"
	"evalsync/api/internal/session"
	"evalsync/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
		log.Fatalf("failed to create revisions dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	revisionLog := revisions.New(cfg.RevisionsDir)

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	documents, err := docstore.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioPublicURL, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("object storage connection failed: %v", err)
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	go searchService.ReindexAllFromPG(ctx)

	var extractor *extraction.Client
	if strings.TrimSpace(cfg.ExtractionURL) != "" {
		extractor = extraction.New(cfg.ExtractionURL)
	} else {
		log.Printf("EXTRACTION_URL not set, document field validation disabled")
	}

	notifier := notify.NewService(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !notifier.IsConfigured() {
		log.Printf("SMTP not configured, review notifications disabled")
	}

	tokens := editor.NewTokenIssuer(cfg.EditorJWTSecret, cfg.EditorJWTTTL)
	commands := editor.NewCommandClient(cfg.EditorBaseURL, tokens)

	deps := app.Dependencies{
		Store:       dataStore,
		Drafts:      redisStore,
		Documents:   documents,
		Search:      searchService,
		Revisions:   revisionLog,
		Notify:      notifier,
		Preview:     preview.NewService(),
		Tokens:      tokens,
		Coordinator: redisStore,
		Commander:   commands,
	}
	if extractor != nil {
		deps.Extractor = extractor
	}
	service := app.New(cfg, deps)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("EvalSync API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
