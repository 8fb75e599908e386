package main

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"CatMap/internal/auth"
	"CatMap/internal/bus"
	"CatMap/internal/category"
	"CatMap/internal/database"
	"CatMap/pkg/kit"
)

func main() {
	service := "category"
	log := kit.NewLogger(service, os.Getenv("LOG_DEV") == "1")
	defer func() { _ = log.Sync() }()

	port := getenv("PORT", "8082")
	storeKind := getenv("STORE", "memory")

	var (
		store category.Store
		users auth.UserStore
	)
	switch storeKind {
	case "postgres":
		dsn := os.Getenv("DATABASE_DSN")
		if dsn == "" {
			log.Fatal("DATABASE_DSN is required with STORE=postgres")
		}
		db, err := database.Connect(dsn)
		if err != nil {
			log.Fatal("database connect failed", zap.Error(err))
		}
		defer db.Close()
		if err := database.Migrate(db); err != nil {
			log.Fatal("database migrate failed", zap.Error(err))
		}
		store = category.NewPostgresStore(db)
		users = auth.NewPostgresStore(db)
	case "memory":
		ms := category.NewMemStore()
		ms.SeedDemo()
		store = ms
		users = auth.NewMemStore()
	default:
		log.Fatal("unknown STORE", zap.String("store", storeKind))
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if len(jwtSecret) < 32 {
		if storeKind == "postgres" {
			log.Fatal("JWT_SECRET is required and must be at least 32 chars")
		}
		jwtSecret = "catmap-dev-secret-not-for-production!"
		log.Warn("JWT_SECRET unset, using dev secret")
	}
	maker := auth.NewTokenMaker(jwtSecret)

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 10*time.Second)
	created, err := auth.Bootstrap(bootCtx, users, os.Getenv("ADMIN_EMAIL"), os.Getenv("ADMIN_PASSWORD"))
	cancelBoot()
	if err != nil {
		log.Fatal("admin bootstrap failed", zap.Error(err))
	}
	if created {
		log.Info("initial admin created", zap.String("email", os.Getenv("ADMIN_EMAIL")))
	}

	reg := prometheus.NewRegistry()
	cache := category.NewDescendantCache(store, store, category.NewCacheMetrics(reg))

	s := &category.Server{
		Store: store,
		Cache: cache,
		Admin: auth.RequireRole(maker, auth.RoleAdmin),
		Log:   log,
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client, err := bus.Connect(addr, os.Getenv("REDIS_PASSWORD"))
		if err != nil {
			log.Fatal("redis connect failed", zap.Error(err))
		}
		defer client.Close()

		s.Bus = bus.NewBroadcaster(client)

		listenCtx, cancelListen := context.WithCancel(context.Background())
		defer cancelListen()
		go func() {
			listener := bus.NewListener(client, log)
			err := listener.Run(listenCtx, func(ids ...int64) {
				for _, id := range ids {
					cache.Reset(id)
				}
			}, cache.ResetAll)
			if err != nil {
				log.Warn("invalidation listener stopped", zap.Error(err))
			}
		}()
		log.Info("invalidation bus connected", zap.String("addr", addr))
	}

	authSrv := &auth.Server{Log: log, Store: users, JWT: maker}

	h := category.NewHandler(s, category.HTTPDeps{
		Log:            log,
		Service:        service,
		Registry:       reg,
		MetricsEnabled: os.Getenv("METRICS_TOKEN") != "",
		MetricsToken:   os.Getenv("METRICS_TOKEN"),
		AuthRoutes:     authSrv.Routes(),
	})

	if err := kit.RunHTTPServer(":"+port, h, log); err != nil {
		log.Fatal("http server stopped", zap.Error(err))
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
