// Package provision implements slot provisioning: picking a backend with
// spare family capacity, reserving that capacity in both the routing
// store and the in-memory registry, and broadcasting a provision command
// to the chosen backend, with compensation on any leg's failure.
package provision

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/galeforge/fulcrum-registry/internal/bus"
	"github.com/galeforge/fulcrum-registry/internal/registry"
	"github.com/galeforge/fulcrum-registry/internal/store"
)

// Result is the outcome of a successful provisioning attempt.
type Result struct {
	ServerID       string
	FamilyID       string
	RemainingSlots int
	RequestID      string
}

// Command is the payload broadcast to the chosen backend on its
// per-server provision channel.
type Command struct {
	ServerID  string            `json:"serverId"`
	Family    string            `json:"family"`
	Variant   string            `json:"variant,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	RequestID string            `json:"requestId"`
}

// Service picks a backend and reserves family capacity for it.
type Service struct {
	reg       *registry.Registry
	store     store.Store
	transport bus.Transport
	log       zerolog.Logger
	idFunc    func() string
}

// New builds a Service. idFunc mints request ids; pass uuid.NewString in
// production and a deterministic stub in tests.
func New(reg *registry.Registry, s store.Store, transport bus.Transport, idFunc func() string, log zerolog.Logger) *Service {
	return &Service{reg: reg, store: s, transport: transport, idFunc: idFunc, log: log}
}

// RequestProvision attempts to provision a slot for familyID, trying
// candidates in the registry's packing order. Every successful call
// corresponds to exactly one capacity decrement in both the routing
// store and the in-memory registry; any failed leg is compensated
// before the next candidate is tried.
func (s *Service) RequestProvision(ctx context.Context, familyID string, metadata map[string]string) (*Result, error) {
	candidates := s.reg.Candidates(familyID)

	for _, b := range candidates {
		remaining, err := s.store.ReserveFamilyCapacity(ctx, b.ID, familyID)
		if err != nil {
			s.log.Warn().Err(err).Str("server", b.ID).Str("family", familyID).Msg("reserveFamilyCapacity failed")
			continue
		}
		if remaining == store.NoCapacity {
			continue
		}

		if !s.reg.ReserveFamilySlot(b.ID, familyID) {
			if _, relErr := s.store.ReleaseFamilyCapacity(ctx, b.ID, familyID); relErr != nil {
				s.log.Error().Err(relErr).Str("server", b.ID).Msg("compensating release after lost in-memory race failed")
			}
			continue
		}

		budget := s.reg.CheckPlayerBudget(b.ID)
		if budget.HardExceeded {
			s.log.Warn().Str("server", b.ID).Str("family", familyID).Float64("committed", budget.Committed).
				Msg("hard player cap exceeded, refusing provision")
			s.compensate(ctx, b.ID, familyID)
			continue
		}
		if budget.SoftExceeded {
			s.log.Warn().Str("server", b.ID).Str("family", familyID).Float64("committed", budget.Committed).
				Msg("soft player cap exceeded")
		}

		requestID := s.idFunc()
		cmd := Command{
			ServerID:  b.ID,
			Family:    familyID,
			Variant:   metadata["variant"],
			Metadata:  metadata,
			RequestID: requestID,
		}

		envelope, err := bus.Encode("SlotProvisionCommand", "registry", b.ID, requestID, cmd)
		if err != nil {
			s.compensate(ctx, b.ID, familyID)
			return nil, err
		}

		if err := s.transport.Publish(bus.SlotProvisionChannel(b.ID), envelope); err != nil {
			s.log.Warn().Err(err).Str("server", b.ID).Msg("provision broadcast failed, compensating")
			s.compensate(ctx, b.ID, familyID)
			continue
		}

		return &Result{ServerID: b.ID, FamilyID: familyID, RemainingSlots: remaining, RequestID: requestID}, nil
	}

	s.log.Info().Str("family", familyID).Msg("no provisioning candidate had capacity")
	return nil, nil
}

func (s *Service) compensate(ctx context.Context, serverID, familyID string) {
	s.reg.ReleaseFamilySlot(serverID, familyID)
	if _, err := s.store.ReleaseFamilyCapacity(ctx, serverID, familyID); err != nil {
		s.log.Error().Err(err).Str("server", serverID).Msg("compensating release failed")
	}
}
