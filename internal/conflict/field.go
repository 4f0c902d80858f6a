package conflict

import (
	"sort"
	"time"

	"github.com/BuzzLyutic/task-store/internal/model"
)

// Kind - стратегия сравнения и слияния одного рода полей. Выбор идёт
// по таблице fieldKinds, а не по строковому switch в коде слияния.
type Kind interface {
	// Equal учитывает "игнорируемые" расхождения: одинаковые после
	// сортировки наборы тегов, обе стороны пустые и т.п.
	Equal(local, remote any) bool
	Merge(local, remote any) any
}

const descriptionMergeSeparator = " --- merged --- "

var fieldKinds = map[string]Kind{
	model.FieldTitle:       textKind{},
	model.FieldDescription: textKind{concat: true},
	model.FieldCategory:    textKind{},
	model.FieldPriority:    enumKind{},
	model.FieldDueDate:     dateKind{},
	model.FieldTags:        tagSetKind{},
	model.FieldCompleted:   flagKind{},
	model.FieldDeleted:     flagKind{},
}

var severities = map[string]Severity{
	model.FieldTitle:       SeverityHigh,
	model.FieldDescription: SeverityMedium,
}

func kindOf(field string) (Kind, bool) {
	k, ok := fieldKinds[field]
	return k, ok
}

func severityOf(field string) Severity {
	if s, ok := severities[field]; ok {
		return s
	}
	return SeverityLow
}

// textKind - свободный текст; у description слияние конкатенирует обе стороны
// с видимым маркером-разделителем, остальные текстовые поля отдают remote
type textKind struct {
	concat bool
}

func (k textKind) Equal(local, remote any) bool {
	l, r := asText(local), asText(remote)
	if l == "" && r == "" {
		return true
	}
	return l == r
}

func (k textKind) Merge(local, remote any) any {
	l, r := asText(local), asText(remote)
	if !k.concat {
		return r
	}
	if l == "" {
		return r
	}
	if r == "" {
		return l
	}
	return l + descriptionMergeSeparator + r
}

type enumKind struct{}

func (enumKind) Equal(local, remote any) bool {
	return asText(local) == asText(remote)
}

func (enumKind) Merge(local, remote any) any {
	return asText(remote)
}

type flagKind struct{}

func (flagKind) Equal(local, remote any) bool {
	lb, lok := local.(bool)
	rb, rok := remote.(bool)
	return lok && rok && lb == rb
}

func (flagKind) Merge(local, remote any) any {
	return remote
}

type dateKind struct{}

func (dateKind) Equal(local, remote any) bool {
	lt, lok := asDate(local)
	rt, rok := asDate(remote)
	if !lok && !rok {
		return true
	}
	if lok != rok {
		return false
	}
	return lt.Equal(rt)
}

func (dateKind) Merge(local, remote any) any {
	return remote
}

// tagSetKind сравнивает наборы как множества: порядок не значим
type tagSetKind struct{}

func (tagSetKind) Equal(local, remote any) bool {
	l := asTagSet(local)
	r := asTagSet(remote)
	if len(l) != len(r) {
		return false
	}
	for i := range l {
		if l[i] != r[i] {
			return false
		}
	}
	return true
}

// Merge объединяет оба набора
func (tagSetKind) Merge(local, remote any) any {
	l := asTagSet(local)
	r := asTagSet(remote)
	seen := make(map[string]struct{}, len(l)+len(r))
	union := make([]string, 0, len(l)+len(r))
	for _, tag := range append(l, r...) {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		union = append(union, tag)
	}
	return union
}

func asText(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case model.Priority:
		return string(s)
	case nil:
		return ""
	}
	return ""
}

func asDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// asTagSet нормализует значение в отсортированный срез строк
func asTagSet(v any) []string {
	var tags []string
	switch vv := v.(type) {
	case []string:
		tags = append(tags, vv...)
	case []any:
		for _, item := range vv {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	sort.Strings(tags)
	return tags
}
