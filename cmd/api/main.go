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

	"threadpub/internal/app"
	"threadpub/internal/archive"
	"threadpub/internal/cache"
	"threadpub/internal/config"
	"threadpub/internal/consent"
	"threadpub/internal/kv"
	"threadpub/internal/search"
	"threadpub/internal/subject"
	"threadpub/internal/thread"
	"threadpub/internal/upstream"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	kvStore, err := kv.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer kvStore.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	client := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamTimeout)
	resolver := thread.NewResolver(client)
	threadCache := cache.New(kvStore)
	consentSvc := consent.New(kvStore)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}

	var archiver *archive.Archiver
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		archiver, err = archive.New(ctx, archive.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			log.Fatalf("archive connection failed: %v", err)
		}
		log.Printf("archiving thread snapshots to %s/%s", cfg.ArchiveEndpoint, cfg.ArchiveBucket)
	}

	// The fallback closes over the manager, which in turn indexes through
	// the search service; the late bind breaks the cycle.
	var subjects *subject.Manager
	searchService := search.NewService(meiliClient, func(ctx context.Context, q search.Query) ([]search.Result, int, error) {
		a, err := subjects.Actor(q.Handle)
		if err != nil {
			return nil, 0, err
		}
		rows, err := a.ScanPosts(ctx, q.Text, q.Limit)
		if err != nil {
			return nil, 0, err
		}
		results := make([]search.Result, 0, len(rows))
		for _, p := range rows {
			results = append(results, search.Result{
				ID:        p.ID,
				Handle:    q.Handle,
				Snippet:   p.Text,
				CreatedAt: p.CreatedAt,
			})
		}
		return results, len(results), nil
	})
	subjects = subject.NewManager(cfg.DataDir, client, searchService)
	defer subjects.Close()
	if err := subjects.Restore(); err != nil {
		log.Fatalf("failed to restore subjects: %v", err)
	}

	service := app.NewService(resolver, threadCache, consentSvc, subjects, searchService, archiver, kvStore)

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
		log.Printf("threadpub API listening on %s", cfg.Addr)
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
