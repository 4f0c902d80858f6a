package model

import (
	"fmt"
	"time"
)

// Origin помечает источник мутации. History пишет записи журнала только для
// пользовательских правок и применённых конфликтов; собственные replay-мутации
// и авто-сохранения не должны порождать новые записи.
type Origin string

const (
	OriginUser     Origin = "user"
	OriginHistory  Origin = "history"
	OriginConflict Origin = "conflict"
	OriginAutoSave Origin = "autosave"
)

// Input - данные для создания новой записи
type Input struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Completed   bool       `json:"completed"`
	Priority    Priority   `json:"priority"`
	Category    string     `json:"category"`
	Tags        []string   `json:"tags"`
	DueDate     *time.Time `json:"due_date"`
}

// Patch - частичное обновление: nil-поле означает "не трогать".
// ClearDueDate отличает сброс срока от его отсутствия в патче.
type Patch struct {
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Completed    *bool      `json:"completed,omitempty"`
	Priority     *Priority  `json:"priority,omitempty"`
	Category     *string    `json:"category,omitempty"`
	Tags         *[]string  `json:"tags,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ClearDueDate bool       `json:"clear_due_date,omitempty"`
	Deleted      *bool      `json:"deleted,omitempty"`

	Origin Origin `json:"-"`

	// Version выставляется только replay-мутациями History: undo/redo
	// восстанавливают аудиторский счётчик вместе с данными, чтобы версия
	// всегда однозначно называла состояние записи
	Version *int `json:"-"`
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Completed == nil &&
		p.Priority == nil && p.Category == nil && p.Tags == nil &&
		p.DueDate == nil && !p.ClearDueDate && p.Deleted == nil
}

// FieldChange - дифф одного поля, возвращаемый Store.Update и хранимый в журнале
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// PatchFromValues собирает типизированный Patch из пар поле->значение.
// Значения могут приходить из JSON-выгрузки журнала, поэтому допускаются
// как конкретные типы, так и их декодированные формы (float64, []any, string).
func PatchFromValues(values map[string]any, origin Origin) (Patch, error) {
	p := Patch{Origin: origin}
	for field, v := range values {
		switch field {
		case FieldTitle:
			s, err := asString(field, v)
			if err != nil {
				return p, err
			}
			p.Title = &s
		case FieldDescription:
			s, err := asString(field, v)
			if err != nil {
				return p, err
			}
			p.Description = &s
		case FieldCategory:
			s, err := asString(field, v)
			if err != nil {
				return p, err
			}
			p.Category = &s
		case FieldCompleted:
			b, err := asBool(field, v)
			if err != nil {
				return p, err
			}
			p.Completed = &b
		case FieldDeleted:
			b, err := asBool(field, v)
			if err != nil {
				return p, err
			}
			p.Deleted = &b
		case FieldPriority:
			s, err := asString(field, v)
			if err != nil {
				return p, err
			}
			pr := Priority(s)
			p.Priority = &pr
		case FieldTags:
			tags, err := asStrings(field, v)
			if err != nil {
				return p, err
			}
			p.Tags = &tags
		case FieldDueDate:
			if v == nil {
				p.ClearDueDate = true
				continue
			}
			ts, err := asTime(field, v)
			if err != nil {
				return p, err
			}
			p.DueDate = &ts
		default:
			return p, fmt.Errorf("unknown field %q", field)
		}
	}
	return p, nil
}

func asString(field string, v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case Priority:
		return string(s), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("field %q: expected string, got %T", field, v)
}

func asBool(field string, v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("field %q: expected bool, got %T", field, v)
}

func asStrings(field string, v any) ([]string, error) {
	switch vv := v.(type) {
	case nil:
		return []string{}, nil
	case []string:
		return append([]string(nil), vv...), nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("field %q: expected string item, got %T", field, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("field %q: expected string list, got %T", field, v)
}

func asTime(field string, v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case *time.Time:
		if ts == nil {
			return time.Time{}, fmt.Errorf("field %q: nil timestamp", field)
		}
		return *ts, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %q: %w", field, err)
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("field %q: expected timestamp, got %T", field, v)
}
