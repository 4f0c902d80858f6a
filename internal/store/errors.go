package store

import (
	"errors"
	"strings"

	"github.com/BuzzLyutic/task-store/internal/validate"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrBusy     = errors.New("task mutation already in flight")
)

// ValidationError возвращается со списком пофилдовых сообщений; за границу
// Store валидация никогда не выбрасывается паникой
type ValidationError struct {
	Fields   []validate.FieldError
	Warnings []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, fe := range e.Fields {
		msgs[i] = fe.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func newValidationError(res validate.Result) *ValidationError {
	return &ValidationError{Fields: res.Errors, Warnings: res.Warnings}
}
