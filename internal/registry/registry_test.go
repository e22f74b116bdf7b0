package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/galeforge/fulcrum-registry/internal/model"
	"github.com/galeforge/fulcrum-registry/internal/store"
)

func newTestRegistry() *Registry {
	return New(store.NewFakeStore(), zerolog.Nop())
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	first, err := r.Register(ctx, &model.Backend{ID: "srv-1"})
	require.NoError(t, err)
	require.True(t, first)

	second, err := r.Register(ctx, &model.Backend{ID: "srv-1"})
	require.NoError(t, err)
	require.False(t, second)
}

func TestRegistry_UpdateStatusEnforcesTransitions(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, err := r.Register(ctx, &model.Backend{ID: "srv-1", Status: model.BackendRegistering})
	require.NoError(t, err)

	ok, err := r.UpdateStatus("srv-1", model.BackendRunning)
	require.NoError(t, err)
	require.False(t, ok, "registering cannot jump straight to running")

	ok, err = r.UpdateStatus("srv-1", model.BackendAvailable)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.UpdateStatus("srv-1", model.BackendRunning)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.UpdateStatus("srv-1", model.BackendEvacuating)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, r.IsServerEvacuating("srv-1"))
}

func TestRegistry_ReserveFamilySlotRaceLoses(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, err := r.Register(ctx, &model.Backend{
		ID:              "srv-1",
		FamilySlotsFree: map[string]int{"family-a": 1},
	})
	require.NoError(t, err)

	require.True(t, r.ReserveFamilySlot("srv-1", "family-a"))
	require.False(t, r.ReserveFamilySlot("srv-1", "family-a"))

	r.ReleaseFamilySlot("srv-1", "family-a")
	require.True(t, r.ReserveFamilySlot("srv-1", "family-a"))
}

func TestRegistry_CandidatesSortedByFewestSlotsThenHottest(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.Register(ctx, &model.Backend{
		ID: "srv-b", Status: model.BackendRunning, CurrentPlayers: 5,
		Families:        map[string]*model.FamilyCapacity{"family-a": {FamilyID: "family-a"}},
		FamilySlotsFree: map[string]int{"family-a": 2},
	})
	require.NoError(t, err)
	_, err = r.Register(ctx, &model.Backend{
		ID: "srv-a", Status: model.BackendAvailable, CurrentPlayers: 10,
		Families:        map[string]*model.FamilyCapacity{"family-a": {FamilyID: "family-a"}},
		FamilySlotsFree: map[string]int{"family-a": 1},
	})
	require.NoError(t, err)
	_, err = r.Register(ctx, &model.Backend{
		ID: "srv-c", Status: model.BackendRunning, CurrentPlayers: 1,
		Families:        map[string]*model.FamilyCapacity{"family-a": {FamilyID: "family-a"}},
		FamilySlotsFree: map[string]int{"family-a": 1},
	})
	require.NoError(t, err)
	// srv-d supports a different family, must never show up.
	_, err = r.Register(ctx, &model.Backend{
		ID: "srv-d", Status: model.BackendRunning,
		Families:        map[string]*model.FamilyCapacity{"family-b": {FamilyID: "family-b"}},
		FamilySlotsFree: map[string]int{"family-b": 5},
	})
	require.NoError(t, err)

	candidates := r.Candidates("family-a")
	require.Len(t, candidates, 3)
	require.Equal(t, []string{"srv-a", "srv-c", "srv-b"}, []string{candidates[0].ID, candidates[1].ID, candidates[2].ID})
}

func TestRegistry_SweepDeadBackendsRemovesSlots(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	b := &model.Backend{ID: "srv-1"}
	_, err := r.Register(ctx, b)
	require.NoError(t, err)
	r.Heartbeat("srv-1")

	r.PutSlot(&model.LogicalSlot{SlotID: "srv-1#1", ServerID: "srv-1", Suffix: "1", FamilyID: "duel"})

	stale := time.Now().Add(2 * time.Hour)
	results := r.SweepDeadBackends(stale, time.Hour)
	require.Len(t, results, 1)
	require.Equal(t, "srv-1", results[0].ServerID)
	require.Equal(t, []string{"srv-1#1"}, results[0].RemovedSlotIDs)
	require.Len(t, results[0].RemovedSlots, 1)
	require.Equal(t, "duel", results[0].RemovedSlots[0].FamilyID)

	backend, ok := r.Get("srv-1")
	require.True(t, ok)
	require.Equal(t, model.BackendDead, backend.Status)
	require.Empty(t, backend.Slots)
}
