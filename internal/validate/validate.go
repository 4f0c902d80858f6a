package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BuzzLyutic/task-store/internal/model"
)

// Декларативная таблица правил по полям. Проверки чистые: валидатор никогда
// не мутирует вход и не имеет побочных эффектов.
type rule struct {
	required bool
	minLen   int
	maxLen   int
	maxItems int
	sanitize bool
}

var rules = map[string]rule{
	model.FieldTitle:       {required: true, minLen: 1, maxLen: 200, sanitize: true},
	model.FieldDescription: {maxLen: 2000, sanitize: true},
	model.FieldCategory:    {maxLen: 100},
	model.FieldTags:        {maxItems: 20},
}

var (
	markupRe     = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

type Result struct {
	Valid    bool         `json:"valid"`
	Errors   []FieldError `json:"errors,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}

func (r *Result) addError(field, msg string) {
	r.Errors = append(r.Errors, FieldError{Field: field, Message: msg})
}

func (r *Result) finish() {
	r.Valid = len(r.Errors) == 0
}

// Create валидирует полный вход для создания записи и возвращает очищенную
// копию. Отсутствующие необязательные поля получают значения по умолчанию.
func Create(in model.Input, now time.Time) (Result, model.Input) {
	var res Result
	cleaned := in

	cleaned.Title = Sanitize(in.Title)
	checkText(&res, model.FieldTitle, cleaned.Title)

	cleaned.Description = Sanitize(in.Description)
	checkText(&res, model.FieldDescription, cleaned.Description)

	if cleaned.Category = strings.TrimSpace(in.Category); cleaned.Category == "" {
		cleaned.Category = "general"
	}
	checkText(&res, model.FieldCategory, cleaned.Category)

	if cleaned.Priority == "" {
		cleaned.Priority = model.PriorityMedium
	}
	if !cleaned.Priority.Valid() {
		res.addError(model.FieldPriority, fmt.Sprintf("must be one of low, medium, high, got %q", cleaned.Priority))
	}

	cleaned.Tags = checkTags(&res, in.Tags)

	if in.DueDate != nil && in.DueDate.Before(now) {
		res.addError(model.FieldDueDate, "due date must not be before creation time")
	}

	res.finish()
	return res, cleaned
}

// Patch валидирует частичное обновление: обязательность полей не проверяется
// для отсутствующих полей, присутствующие валидируются полностью.
// createdAt нужен для кросс-проверки срока.
func Patch(p model.Patch, createdAt time.Time) (Result, model.Patch) {
	var res Result
	cleaned := p

	if p.Title != nil {
		t := Sanitize(*p.Title)
		cleaned.Title = &t
		checkText(&res, model.FieldTitle, t)
	}
	if p.Description != nil {
		d := Sanitize(*p.Description)
		cleaned.Description = &d
		checkText(&res, model.FieldDescription, d)
	}
	if p.Category != nil {
		c := strings.TrimSpace(*p.Category)
		if c == "" {
			c = "general"
		}
		cleaned.Category = &c
		checkText(&res, model.FieldCategory, c)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		res.addError(model.FieldPriority, fmt.Sprintf("must be one of low, medium, high, got %q", *p.Priority))
	}
	if p.Tags != nil {
		tags := checkTags(&res, *p.Tags)
		cleaned.Tags = &tags
	}
	if p.DueDate != nil && p.DueDate.Before(createdAt) {
		res.addError(model.FieldDueDate, "due date must not be before creation time")
	}

	res.finish()
	return res, cleaned
}

// Sanitize вырезает разметку и схлопывает внутренние пробелы в свободном тексте
func Sanitize(s string) string {
	s = markupRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeTags приводит теги к нижнему регистру, отбрасывает пустые и дубли.
// Возвращает также число отброшенных дублей.
func NormalizeTags(tags []string) ([]string, int) {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	dropped := 0
	for _, tag := range tags {
		norm := strings.ToLower(strings.TrimSpace(tag))
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			dropped++
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out, dropped
}

func checkText(res *Result, field, value string) {
	r := rules[field]
	if r.required && len(value) < max(r.minLen, 1) {
		res.addError(field, "is required")
		return
	}
	if r.maxLen > 0 && len(value) > r.maxLen {
		res.addError(field, fmt.Sprintf("must be at most %d characters", r.maxLen))
	}
}

func checkTags(res *Result, tags []string) []string {
	norm, dropped := NormalizeTags(tags)
	if dropped > 0 {
		// Дубликаты - предупреждение, а не ошибка
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d duplicate tags removed", dropped))
	}
	if r := rules[model.FieldTags]; r.maxItems > 0 && len(norm) > r.maxItems {
		res.addError(model.FieldTags, fmt.Sprintf("must have at most %d items", r.maxItems))
	}
	return norm
}
