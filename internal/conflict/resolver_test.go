package conflict

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-store/internal/events"
	"github.com/BuzzLyutic/task-store/internal/model"
	"github.com/BuzzLyutic/task-store/internal/persistence"
	"github.com/BuzzLyutic/task-store/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.Store, *events.Bus) {
	t.Helper()
	backend := persistence.NewMemory()
	bus := events.NewBus()
	s := store.New(backend, bus, zap.NewNop(), 0)
	r := NewResolver(s, backend, bus, zap.NewNop())
	return r, s, bus
}

func TestResolver_DetectTitleConflict(t *testing.T) {
	ctx := context.Background()
	r, s, bus := newTestResolver(t)

	var notified []events.Event
	bus.Subscribe(func(e events.Event) {
		if e.Type == events.ConflictDetected {
			notified = append(notified, e)
		}
	})

	local, err := s.Create(ctx, model.Input{Title: "Alpha"})
	require.NoError(t, err)

	remoteTS := local.UpdatedAt.Add(50 * time.Millisecond)
	detected, err := r.Detect(ctx, local.ID, []RemoteChange{
		{Field: model.FieldTitle, NewValue: "Beta", Timestamp: remoteTS},
	}, remoteTS)
	require.NoError(t, err)

	require.Len(t, detected, 1)
	rec := detected[0]
	assert.Equal(t, model.FieldTitle, rec.Field)
	assert.Equal(t, "Alpha", rec.LocalValue)
	assert.Equal(t, "Beta", rec.RemoteValue)
	assert.Equal(t, SeverityHigh, rec.Severity)
	assert.Empty(t, rec.Resolution, "high severity requires an explicit choice")

	assert.Len(t, r.Pending(local.ID), 1)
	assert.Len(t, notified, 1)
}

func TestResolver_DetectSkipsEqualTimestamps(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestResolver(t)

	local, err := s.Create(ctx, model.Input{Title: "Same clock"})
	require.NoError(t, err)

	detected, err := r.Detect(ctx, local.ID, []RemoteChange{
		{Field: model.FieldTitle, NewValue: "Other", Timestamp: local.UpdatedAt},
	}, local.UpdatedAt)
	require.NoError(t, err)
	assert.Empty(t, detected)
}

func TestResolver_DetectIgnorableDifferences(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestResolver(t)

	local, err := s.Create(ctx, model.Input{Title: "Tagged", Tags: []string{"b", "a", "c"}})
	require.NoError(t, err)

	remoteTS := local.UpdatedAt.Add(time.Second)

	tests := []struct {
		name   string
		change RemoteChange
	}{
		{
			name:   "tag sets equal after sorting",
			change: RemoteChange{Field: model.FieldTags, NewValue: []string{"c", "a", "b"}},
		},
		{
			name:   "equal values",
			change: RemoteChange{Field: model.FieldTitle, NewValue: "Tagged"},
		},
		{
			name:   "both descriptions empty",
			change: RemoteChange{Field: model.FieldDescription, NewValue: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detected, err := r.Detect(ctx, local.ID, []RemoteChange{tt.change}, remoteTS)
			require.NoError(t, err)
			assert.Empty(t, detected)
		})
	}
}

func TestResolver_DetectUnknownTask(t *testing.T) {
	r, _, _ := newTestResolver(t)

	_, err := r.Detect(context.Background(), "ghost", []RemoteChange{
		{Field: model.FieldTitle, NewValue: "X"},
	}, time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolver_AutoResolveLowSeverity(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestResolver(t)

	local, err := s.Create(ctx, model.Input{Title: "Auto", Category: "general"})
	require.NoError(t, err)

	t.Run("newer remote wins", func(t *testing.T) {
		remoteTS := local.UpdatedAt.Add(time.Minute)
		detected, err := r.Detect(ctx, local.ID, []RemoteChange{
			{Field: model.FieldCategory, NewValue: "work", Timestamp: remoteTS},
		}, remoteTS)
		require.NoError(t, err)
		require.Len(t, detected, 1)
		assert.Equal(t, SeverityLow, detected[0].Severity)
		assert.Equal(t, StrategyRemote, detected[0].Resolution)
	})

	t.Run("older remote loses", func(t *testing.T) {
		remoteTS := local.UpdatedAt.Add(-time.Minute)
		detected, err := r.Detect(ctx, local.ID, []RemoteChange{
			{Field: model.FieldPriority, NewValue: "high", Timestamp: remoteTS},
		}, remoteTS)
		require.NoError(t, err)
		require.Len(t, detected, 1)
		assert.Equal(t, StrategyLocal, detected[0].Resolution)
	})
}

func TestResolver_TagsAlwaysAutoMerge(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestResolver(t)

	local, err := s.Create(ctx, model.Input{Title: "Tagged", Tags: []string{"local"}})
	require.NoError(t, err)

	remoteTS := local.UpdatedAt.Add(time.Second)
	detected, err := r.Detect(ctx, local.ID, []RemoteChange{
		{Field: model.FieldTags, NewValue: []string{"remote"}, Timestamp: remoteTS},
	}, remoteTS)
	require.NoError(t, err)
	require.Len(t, detected, 1)
	assert.Equal(t, StrategyMerge, detected[0].Resolution)
}

func TestResolver_ResolveRemoteAndApply(t *testing.T) {
	ctx := context.Background()
	r, s, bus := newTestResolver(t)

	var resolvedEvents int
	bus.Subscribe(func(e events.Event) {
		if e.Type == events.ConflictResolved {
			resolvedEvents++
		}
	})

	local, err := s.Create(ctx, model.Input{Title: "Alpha"})
	require.NoError(t, err)

	remoteTS := local.UpdatedAt.Add(time.Second)
	detected, err := r.Detect(ctx, local.ID, []RemoteChange{
		{Field: model.FieldTitle, NewValue: "Beta", Timestamp: remoteTS},
	}, remoteTS)
	require.NoError(t, err)
	require.Len(t, detected, 1)

	require.NoError(t, r.Resolve(local.ID, detected[0].ID, StrategyRemote))

	updated, err := r.Apply(ctx, local.ID)
	require.NoError(t, err)

	assert.Equal(t, "Beta", updated.Title)
	assert.Equal(t, 2, updated.Version)
	assert.Empty(t, r.Pending(local.ID), "pending list cleared after apply")
	assert.Equal(t, 1, resolvedEvents)

	archive := r.Archive()
	require.Len(t, archive, 1)
	assert.Equal(t, StrategyRemote, archive[0].Resolution)
	assert.False(t, archive[0].ResolvedAt.IsZero())
}

func TestResolver_ApplyRequiresAllResolutions(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestResolver(t)

	local, err := s.Create(ctx, model.Input{Title: "Alpha", Description: "local text"})
	require.NoError(t, err)

	remoteTS := local.UpdatedAt.Add(time.Second)
	detected, err := r.Detect(ctx, local.ID, []RemoteChange{
		{Field: model.FieldTitle, NewValue: "Beta", Timestamp: remoteTS},
		{Field: model.FieldDescription, NewValue: "remote text", Timestamp: remoteTS},
	}, remoteTS)
	require.NoError(t, err)
	require.Len(t, detected, 2)

	// Разрешён только один из двух
	require.NoError(t, r.Resolve(local.ID, detected[0].ID, StrategyLocal))

	_, err = r.Apply(ctx, local.ID)
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Len(t, r.Pending(local.ID), 2, "pending survives a failed apply")
}

func TestResolver_ApplyBatchesIntoOneUpdate(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestResolver(t)

	local, err := s.Create(ctx, model.Input{Title: "Alpha", Category: "general", Tags: []string{"a"}})
	require.NoError(t, err)

	remoteTS := local.UpdatedAt.Add(time.Second)
	detected, err := r.Detect(ctx, local.ID, []RemoteChange{
		{Field: model.FieldTitle, NewValue: "Beta", Timestamp: remoteTS},
		{Field: model.FieldCategory, NewValue: "work", Timestamp: remoteTS},
		{Field: model.FieldTags, NewValue: []string{"b"}, Timestamp: remoteTS},
	}, remoteTS)
	require.NoError(t, err)
	require.Len(t, detected, 3)

	for _, rec := range detected {
		if rec.Resolution == "" {
			require.NoError(t, r.Resolve(local.ID, rec.ID, StrategyRemote))
		}
	}

	updated, err := r.Apply(ctx, local.ID)
	require.NoError(t, err)

	// Все поля в одной атомарной мутации: версия выросла ровно на 1
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Beta", updated.Title)
	assert.Equal(t, "work", updated.Category)
	assert.ElementsMatch(t, []string{"a", "b"}, updated.Tags)
}

func TestResolver_MergeStrategies(t *testing.T) {
	tests := []struct {
		name   string
		field  string
		local  any
		remote any
		check  func(*testing.T, any)
	}{
		{
			name:   "tag sets merge to union",
			field:  model.FieldTags,
			local:  []string{"a", "b"},
			remote: []string{"b", "c"},
			check: func(t *testing.T, got any) {
				assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
			},
		},
		{
			name:   "descriptions concatenate with separator",
			field:  model.FieldDescription,
			local:  "local text",
			remote: "remote text",
			check: func(t *testing.T, got any) {
				s, ok := got.(string)
				require.True(t, ok)
				assert.Contains(t, s, "local text")
				assert.Contains(t, s, "remote text")
				assert.Contains(t, s, "merged")
			},
		},
		{
			name:   "other fields fall back to remote",
			field:  model.FieldTitle,
			local:  "Mine",
			remote: "Theirs",
			check: func(t *testing.T, got any) {
				assert.Equal(t, "Theirs", got)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := kindOf(tt.field)
			require.True(t, ok)
			tt.check(t, kind.Merge(tt.local, tt.remote))
		})
	}
}

func TestResolver_ArchiveCapped(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newTestResolver(t)

	local, err := s.Create(ctx, model.Input{Title: "Busy task"})
	require.NoError(t, err)

	// Каждый цикл детект+apply добавляет одну запись в архив
	for i := 0; i < archiveLimit+10; i++ {
		current, err := s.Get(ctx, local.ID)
		require.NoError(t, err)

		remoteTS := current.UpdatedAt.Add(time.Second)
		detected, err := r.Detect(ctx, local.ID, []RemoteChange{
			{Field: model.FieldCategory, NewValue: fmt.Sprintf("cat-%d", i), Timestamp: remoteTS},
		}, remoteTS)
		require.NoError(t, err)
		require.Len(t, detected, 1)

		_, err = r.Apply(ctx, local.ID)
		require.NoError(t, err)
	}

	assert.Len(t, r.Archive(), archiveLimit)
}

func TestResolver_ArchivePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	backend := persistence.NewMemory()
	bus := events.NewBus()
	s := store.New(backend, bus, zap.NewNop(), 0)
	r := NewResolver(s, backend, bus, zap.NewNop())

	local, err := s.Create(ctx, model.Input{Title: "Alpha"})
	require.NoError(t, err)

	remoteTS := local.UpdatedAt.Add(time.Second)
	detected, err := r.Detect(ctx, local.ID, []RemoteChange{
		{Field: model.FieldTitle, NewValue: "Beta", Timestamp: remoteTS},
	}, remoteTS)
	require.NoError(t, err)
	require.NoError(t, r.Resolve(local.ID, detected[0].ID, StrategyLocal))
	_, err = r.Apply(ctx, local.ID)
	require.NoError(t, err)

	r2 := NewResolver(s, backend, events.NewBus(), zap.NewNop())
	require.NoError(t, r2.Load(ctx))
	assert.Len(t, r2.Archive(), 1)
}

func TestResolver_TickIsNoop(t *testing.T) {
	r, _, _ := newTestResolver(t)
	assert.NotPanics(t, func() { r.Tick(context.Background()) })
}
