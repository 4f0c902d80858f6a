package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Flusher - периодический полный сброс журналов истории (страховка от
// пропущенных инкрементальных записей)
type Flusher interface {
	Flush(ctx context.Context) error
}

// Ticker - периодический такт детекции конфликтов; без подключённого
// транспорта это пустая операция
type Ticker interface {
	Tick(ctx context.Context)
}

// Runner гоняет фоновые обслуживающие циклы ядра
type Runner struct {
	flusher Flusher
	ticker  Ticker
	logger  *zap.Logger

	flushEvery  time.Duration
	detectEvery time.Duration

	wg   sync.WaitGroup
	stop chan struct{}
}

func NewRunner(flusher Flusher, ticker Ticker, logger *zap.Logger, flushEvery, detectEvery time.Duration) *Runner {
	return &Runner{
		flusher:     flusher,
		ticker:      ticker,
		logger:      logger,
		flushEvery:  flushEvery,
		detectEvery: detectEvery,
		stop:        make(chan struct{}),
	}
}

func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("Starting maintenance runner",
		zap.Duration("flush_every", r.flushEvery),
		zap.Duration("detect_every", r.detectEvery),
	)

	r.wg.Add(2)
	go r.flushLoop(ctx)
	go r.detectLoop(ctx)
}

func (r *Runner) Stop() {
	r.logger.Info("Stopping maintenance runner...")
	close(r.stop)
	r.wg.Wait()
	r.logger.Info("Maintenance runner stopped")
}

func (r *Runner) flushLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			// Финальный сброс перед остановкой
			if err := r.flusher.Flush(ctx); err != nil {
				r.logger.Error("final history flush failed", zap.Error(err))
			}
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.flusher.Flush(ctx); err != nil {
				r.logger.Error("history flush failed", zap.Error(err))
			}
		}
	}
}

func (r *Runner) detectLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.detectEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ticker.Tick(ctx)
		}
	}
}
