package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/suPer8Hu/colony-core/internal/auth"
	"github.com/suPer8Hu/colony-core/internal/config"
	"github.com/suPer8Hu/colony-core/internal/db"
	"github.com/suPer8Hu/colony-core/internal/httpapi"
	"github.com/suPer8Hu/colony-core/internal/httpapi/handlers"
	"github.com/suPer8Hu/colony-core/internal/realtime"
	"github.com/suPer8Hu/colony-core/internal/store/rabbitmq"
	"github.com/suPer8Hu/colony-core/internal/store/redisstore"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	if err := rds.Ping(ctx); err != nil {
		// submissions fail with 500 until redis is back
		log.Printf("redis ping failed addr=%s err=%v", cfg.RedisAddr, err)
	}

	opts := realtime.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.HubSendBuffer,
	}
	var updates *realtime.GormUpdateLog
	if cfg.EnableDBLogging {
		updates = realtime.NewGormUpdateLog(db.Connect(cfg.DBDSN))
		if err := updates.Migrate(); err != nil {
			log.Fatalf("migrate entity_updates: %v", err)
		}
		opts.UpdateLog = updates
		log.Printf("entity update logging enabled")
	}

	hub := realtime.NewHub(realtime.NewRegistry(), auth.JWTVerifier{Secret: cfg.JWTSecret}, opts)
	defer hub.Close()

	if cfg.RabbitURL != "" {
		bridge, err := rabbitmq.NewBridge(cfg.RabbitURL, cfg.RabbitExchange, hub.NodeID())
		if err != nil {
			log.Fatalf("rabbit bridge: %v", err)
		}
		defer bridge.Close()
		hub.SetPublisher(bridge)
		go func() {
			if err := bridge.Consume(ctx, hub.DeliverRemote); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("rabbit bridge stopped: %v", err)
			}
		}()
		log.Printf("cross-process fan-out enabled exchange=%s node=%s", cfg.RabbitExchange, hub.NodeID())
	}

	h := handlers.NewHandler(cfg, rds, hub, updates)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("colony core listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	// hijacked websocket conns are not tracked by Shutdown
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
