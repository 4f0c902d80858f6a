package history

import "fmt"

// State - стадия жизненного цикла правки задачи. На задачу допускается не
// более одной незавершённой мутации; попытка второй отклоняется как Busy,
// а не ставится в очередь.
type State string

const (
	StateIdle    State = "idle"
	StateEditing State = "editing"
	StateSaving  State = "saving"
	StateUndoing State = "undoing"
	StateRedoing State = "redoing"
)

var transitions = map[State][]State{
	StateIdle:    {StateEditing, StateUndoing, StateRedoing},
	StateEditing: {StateSaving, StateIdle},
	StateSaving:  {StateIdle},
	StateUndoing: {StateIdle},
	StateRedoing: {StateIdle},
}

func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// State возвращает текущую стадию правки задачи
func (m *Manager) State(taskID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(taskID)
}

func (m *Manager) stateLocked(taskID string) State {
	if s, ok := m.states[taskID]; ok {
		return s
	}
	return StateIdle
}

func (m *Manager) transition(taskID string, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(taskID, to)
}

func (m *Manager) transitionLocked(taskID string, to State) error {
	from := m.stateLocked(taskID)
	if !canTransition(from, to) {
		if from != StateIdle {
			return fmt.Errorf("task %s is %s: %w", taskID, from, ErrBusy)
		}
		return fmt.Errorf("invalid transition %s -> %s for task %s", from, to, taskID)
	}
	if to == StateIdle {
		delete(m.states, taskID)
	} else {
		m.states[taskID] = to
	}
	return nil
}

// BeginEdit помечает начало пользовательской правки (Idle -> Editing)
func (m *Manager) BeginEdit(taskID string) error {
	return m.transition(taskID, StateEditing)
}

// MarkSaving помечает начало сохранения правки (Editing -> Saving)
func (m *Manager) MarkSaving(taskID string) error {
	return m.transition(taskID, StateSaving)
}

// EndEdit завершает правку. При ошибке сохранения состояние так же
// возвращается в Idle - откат данных выполняет Store, а не менеджер.
func (m *Manager) EndEdit(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, taskID)
}
