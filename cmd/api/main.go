package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"adminpanel.io/internal/audit"
	"adminpanel.io/internal/auth"
	"adminpanel.io/internal/config"
	"adminpanel.io/internal/httpapi"
	"adminpanel.io/internal/obs"
	"adminpanel.io/internal/policy"
	"adminpanel.io/internal/session"
	"adminpanel.io/internal/stream"
	pgstore "adminpanel.io/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		log.Fatal(err)
	}

	var (
		probe      httpapi.ReadyProbe
		source     policy.Source
		auditStore audit.Store
		queryOpts  = []audit.QueryOption{audit.WithMaxExportRange(cfg.ExportMaxRange)}
		db         *pgstore.Store
	)
	if cfg.PostgresDSN != "" {
		db, err = pgstore.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		probe.DB = db
		source = db
		auditStore = db
		queryOpts = append(queryOpts, audit.WithActorDirectory(db))
	} else {
		fileSource, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			log.Fatalf("load policies: %v", err)
		}
		source = fileSource
		auditStore = audit.NewMemoryStore()
		obs.Warn("no database configured; audit events are kept in memory", map[string]any{
			"policy_file": cfg.PolicyFile,
		})
	}

	var kv session.KV
	var redisKV *session.RedisKV
	if cfg.RedisAddr != "" {
		redisKV = session.NewRedisKV(session.DialRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
		probe.Redis = redisKV
		kv = redisKV
	} else {
		kv = session.NewMemoryKV(nil)
		obs.Warn("no redis configured; sessions are process-local", nil)
	}

	sessions := session.NewRegistry(kv,
		session.WithLifetime(cfg.TokenTTL),
		session.WithTimeout(cfg.StoreTimeout),
	)
	tokens, err := auth.NewTokens(cfg.AuthSecret, sessions, auth.WithTokenLifetime(cfg.TokenTTL))
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	evaluator, err := auth.NewEvaluator(source, auth.WithLookupTimeout(cfg.StoreTimeout))
	if err != nil {
		log.Fatalf("evaluator: %v", err)
	}

	feed := stream.New()
	chain := audit.NewChain(auditStore, audit.WithAppendHook(feed.Publish))
	recorder := audit.NewAsyncWriter(chain, cfg.AuditQueue)
	query := audit.NewQuery(auditStore, queryOpts...)

	api := httpapi.New(httpapi.Deps{
		Ready:      probe,
		Authorizer: evaluator,
		Tokens:     tokens,
		Sessions:   sessions,
		Audit:      query,
		Chain:      chain,
		Recorder:   recorder,
		Feed:       feed,
		Version:    version,
		RateBurst:  cfg.RateBurst,
		RatePerSec: cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	health := httpapi.NewGRPCHealth(probe)
	health.Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go health.Run(ctx, 10*time.Second)
	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	obs.Info("server started", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"postgres":  db != nil,
		"redis":     redisKV != nil,
	})

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	if err := recorder.Close(shutdownCtx); err != nil {
		obs.Error("audit queue not drained", map[string]any{"error": err.Error()})
	}
	if redisKV != nil {
		_ = redisKV.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	obs.Info("stopped", nil)
}
