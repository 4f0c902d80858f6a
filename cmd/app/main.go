package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-store/internal/config"
	"github.com/BuzzLyutic/task-store/internal/conflict"
	"github.com/BuzzLyutic/task-store/internal/events"
	"github.com/BuzzLyutic/task-store/internal/handler"
	"github.com/BuzzLyutic/task-store/internal/history"
	"github.com/BuzzLyutic/task-store/internal/persistence"
	"github.com/BuzzLyutic/task-store/internal/store"
	"github.com/BuzzLyutic/task-store/internal/worker"
)

func main() {
	// Подключаем логгер
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Загрузка конфигурации
	cfg := config.Load()

	ctx := context.Background()

	// Выбор бэкенда персистентности
	var backend persistence.Backend
	switch cfg.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("Failed to connect to Database.") // Fatal потому что дальнейшая работа теряет смысл
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatal("Failed to ping the Database.")
		}
		logger.Info("Successfully connected to the Database!")
		backend = persistence.NewPostgres(pool)
	default:
		backend = persistence.NewMemory()
		logger.Info("Using in-memory backend")
	}

	bus := events.NewBus()

	s := store.New(backend, bus, logger, cfg.CacheTTL)
	hm := history.NewManager(s, backend, bus, logger, cfg.HistoryLimit)
	res := conflict.NewResolver(s, backend, bus, logger)

	// Восстановление состояния с диска
	if err := s.Load(ctx); err != nil {
		logger.Fatal("Failed to load tasks: ", zap.Error(err))
	}
	if err := hm.Load(ctx); err != nil {
		logger.Fatal("Failed to load history: ", zap.Error(err))
	}
	if err := res.Load(ctx); err != nil {
		logger.Fatal("Failed to load conflict archive: ", zap.Error(err))
	}

	// Фоновый сброс истории и периодическая проверка конфликтов
	runner := worker.NewRunner(hm, res, logger, cfg.FlushInterval, cfg.DetectInterval)
	runner.Start(ctx)

	r := chi.NewRouter() // Создаем роутер
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok"}`)
	})

	h := handler.NewTaskHandler(s, hm, res, logger)
	h.Routes(r)

	srv := http.Server{ // Создаем сервер
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() { // Запуск сервера и обработка ошибок
		logger.Info("Server started at ", zap.String("port", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed: ", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner.Stop()

	// Последний сброс несохранённой истории перед выходом
	if err := hm.Flush(shutdownCtx); err != nil {
		logger.Error("Final history flush failed: ", zap.Error(err))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Shutdown error: ", zap.Error(err))
	}
	logger.Info("Server stopped succsessfully!")
}
