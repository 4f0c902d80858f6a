package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-store/internal/model"
)

// Export снимает полный слепок коллекции в переносимый конверт
func (s *Store) Export(ctx context.Context) (model.ExportPayload, error) {
	s.lock()
	tasks := make([]model.TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		tasks = append(tasks, rec.Clone())
	}
	s.unlock()

	sortRecords(tasks, model.SortCreatedAt, false)
	return model.ExportPayload{
		Version:    model.ExportVersion,
		ExportedAt: s.now(),
		Tasks:      tasks,
	}, nil
}

type ImportOptions struct {
	ReplaceExisting bool
}

// Import принимает либо голый массив записей, либо конверт выгрузки.
// Входящие id отбрасываются во избежание коллизий; каждая запись
// валидируется независимо, невалидные пропускаются и подсчитываются.
func (s *Store) Import(ctx context.Context, payload json.RawMessage, opts ImportOptions) (model.ImportResult, error) {
	records, err := decodeImport(payload)
	if err != nil {
		return model.ImportResult{}, err
	}

	if opts.ReplaceExisting {
		if err := s.DeleteAll(ctx); err != nil {
			return model.ImportResult{}, err
		}
	}

	result := model.ImportResult{Total: len(records)}
	for _, rec := range records {
		in := model.Input{
			Title:       rec.Title,
			Description: rec.Description,
			Completed:   rec.Completed,
			Priority:    rec.Priority,
			Category:    rec.Category,
			Tags:        rec.Tags,
			DueDate:     rec.DueDate,
		}
		// Срок в прошлом не должен ронять реимпорт старой выгрузки;
		// потеря срока фиксируется в предупреждениях результата
		if in.DueDate != nil && in.DueDate.Before(s.now()) {
			in.DueDate = nil
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("task %q: past due date dropped", rec.Title))
		}

		if _, err := s.Create(ctx, in); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				result.Invalid++
				continue
			}
			return result, err
		}
		result.Imported++
	}

	result.Success = true
	s.logger.Info("import finished",
		zap.Int("imported", result.Imported),
		zap.Int("invalid", result.Invalid),
		zap.Int("total", result.Total),
	)
	return result, nil
}

func decodeImport(payload json.RawMessage) ([]model.TaskRecord, error) {
	var bare []model.TaskRecord
	if err := json.Unmarshal(payload, &bare); err == nil {
		return bare, nil
	}

	var envelope model.ExportPayload
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("import payload is neither a record array nor an export envelope: %w", err)
	}
	return envelope.Tasks, nil
}

// RestoreBackup загружает последний бэкап удалённых записей (см. Delete/DeleteAll)
func (s *Store) RestoreBackup(ctx context.Context) (model.ImportResult, error) {
	raw, ok, err := s.backend.Get(ctx, backupKey)
	if err != nil {
		return model.ImportResult{}, err
	}
	if !ok {
		return model.ImportResult{}, fmt.Errorf("restore backup: %w", ErrNotFound)
	}
	return s.Import(ctx, raw, ImportOptions{})
}
