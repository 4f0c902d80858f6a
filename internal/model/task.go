package model

import "time"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// TaskRecord - каноническая запись задачи. Идентичность и персистентность
// принадлежат исключительно Store.
type TaskRecord struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Priority    Priority   `json:"priority"`
	Category    string     `json:"category"`
	Tags        []string   `json:"tags,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Version     int        `json:"version"`
	Deleted     bool       `json:"deleted,omitempty"`
}

// Clone возвращает глубокую копию записи
func (t TaskRecord) Clone() TaskRecord {
	c := t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.DueDate != nil {
		v := *t.DueDate
		c.DueDate = &v
	}
	return c
}

// Имена изменяемых полей, общие для Store, History и Conflict
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldCompleted   = "completed"
	FieldPriority    = "priority"
	FieldCategory    = "category"
	FieldTags        = "tags"
	FieldDueDate     = "due_date"
	FieldDeleted     = "deleted"
)

// FieldValue возвращает текущее значение именованного поля записи.
// Используется при вычислении диффов и при детекции конфликтов.
func (t TaskRecord) FieldValue(field string) (any, bool) {
	switch field {
	case FieldTitle:
		return t.Title, true
	case FieldDescription:
		return t.Description, true
	case FieldCompleted:
		return t.Completed, true
	case FieldPriority:
		return t.Priority, true
	case FieldCategory:
		return t.Category, true
	case FieldTags:
		return append([]string(nil), t.Tags...), true
	case FieldDueDate:
		if t.DueDate == nil {
			return nil, true
		}
		return *t.DueDate, true
	case FieldDeleted:
		return t.Deleted, true
	}
	return nil, false
}

type SortKey string

const (
	SortCreatedAt SortKey = "created_at"
	SortUpdatedAt SortKey = "updated_at"
	SortDueDate   SortKey = "due_date"
	SortPriority  SortKey = "priority"
	SortTitle     SortKey = "title"
)

type TaskFilter struct {
	Completed      *bool
	Priority       *Priority
	Category       *string
	Tag            *string
	Search         *string
	IncludeDeleted bool
	Sort           SortKey
	Desc           bool
	Offset         int
	Limit          int
}

type Stats struct {
	Total      int              `json:"total"`
	Completed  int              `json:"completed"`
	Pending    int              `json:"pending"`
	Overdue    int              `json:"overdue"`
	ByPriority map[Priority]int `json:"by_priority"`
	ByCategory map[string]int   `json:"by_category"`
}
