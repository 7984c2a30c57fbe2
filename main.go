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

	"healthchat/internal/api"
	"healthchat/internal/auth"
	"healthchat/internal/config"
	"healthchat/internal/models"
	"healthchat/internal/redis"
	"healthchat/internal/service/ai"
	"healthchat/internal/service/assistant"
	"healthchat/internal/service/retrieval"
	"healthchat/internal/storage"
	"healthchat/internal/worker"

	"github.com/gin-gonic/gin"
)

// unavailableResponder serves when no model provider could be initialized;
// the chat handler folds the error into its fallback reply.
type unavailableResponder struct{}

func (unavailableResponder) Reply(context.Context, []*models.Message, string, []string) (string, error) {
	return "", errors.New("no model provider configured")
}

func main() {
	cfgPath := os.Getenv("HEALTHCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("HEALTHCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		// codes and tokens fall back to the database
		log.Printf("redis unavailable, continuing without cache: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	assistantService := assistant.NewService(db)
	authService := auth.NewService(db, rdb, 24*time.Hour)

	var responder api.Responder
	aiService, err := ai.NewService(cfg, cfg.BasicConfig.DefaultProvider, "")
	if err != nil {
		log.Printf("ai service unavailable: %v", err)
		responder = unavailableResponder{}
	} else {
		log.Printf("ai provider: %s (%s)", aiService.Provider(), aiService.Model())
		responder = aiService
	}

	index, err := retrieval.NewIndex(context.Background(), cfg.Retrieval)
	if err != nil {
		log.Fatalf("init retrieval index: %v", err)
	}
	log.Printf("retrieval corpus: %d blocks", index.Len())

	alertManager := worker.NewManager(assistantService, cfg.SOS)
	minWorkers := cfg.BasicConfig.MinWorkers
	if minWorkers <= 0 {
		minWorkers = 1
	}
	maxWorkers := cfg.BasicConfig.MaxWorkers
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers * 4
	}
	queueSize := cfg.BasicConfig.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	idleTimeout := time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute
	dispatcher := worker.NewDispatcher(minWorkers, maxWorkers, queueSize, alertManager, idleTimeout)

	handlers := api.NewHandler(assistantService, authService, responder, index, dispatcher)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8000"
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
