// Package shutdown implements the shutdown intent manager: broadcasting
// countdown-bounded evacuation intents, tracking per-service phase,
// minting one-shot per-player transfer tickets, and marking backends and
// proxies "evacuating" so provisioning and routing avoid them.
package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galeforge/fulcrum-registry/internal/bus"
	"github.com/galeforge/fulcrum-registry/internal/model"
	"github.com/galeforge/fulcrum-registry/internal/registry"
)

// Buffers added on top of the operator-supplied countdown when computing
// ticketExpiresAt: time to let the evacuate phase finish, plus slack for
// the last ticket to actually be consumed.
const (
	DefaultEvictBuffer  = 15 * time.Second
	DefaultTicketBuffer = 30 * time.Second
)

// Config bounds the ticket-expiry buffers added on top of an intent's
// operator-supplied countdown.
type Config struct {
	EvictBuffer  time.Duration
	TicketBuffer time.Duration
}

// DefaultConfig matches the registry's own defaults.
func DefaultConfig() Config {
	return Config{EvictBuffer: DefaultEvictBuffer, TicketBuffer: DefaultTicketBuffer}
}

// Manager owns all live shutdown intents.
type Manager struct {
	reg       *registry.Registry
	transport bus.Transport
	log       zerolog.Logger
	idFunc    func() string

	evictBuffer  time.Duration
	ticketBuffer time.Duration

	mu      sync.Mutex
	intents map[string]*model.ShutdownIntent
}

// New builds a Manager. idFunc mints intent ids (uuid.NewString in prod).
// A zero Config falls back to DefaultConfig's buffers.
func New(reg *registry.Registry, transport bus.Transport, idFunc func() string, cfg Config, log zerolog.Logger) *Manager {
	if cfg.EvictBuffer <= 0 {
		cfg.EvictBuffer = DefaultEvictBuffer
	}
	if cfg.TicketBuffer <= 0 {
		cfg.TicketBuffer = DefaultTicketBuffer
	}
	return &Manager{
		reg:          reg,
		transport:    transport,
		idFunc:       idFunc,
		log:          log,
		evictBuffer:  cfg.EvictBuffer,
		ticketBuffer: cfg.TicketBuffer,
		intents:      make(map[string]*model.ShutdownIntent),
	}
}

// CreateIntent mints an intent id, broadcasts it, marks every target
// evacuating, and records its in-memory state with a bounded deadline
// after which tickets it mints are no longer honored.
func (m *Manager) CreateIntent(ctx context.Context, targets []model.ShutdownTarget, countdownSeconds int, reason, fallbackFamily string, force bool) (*model.ShutdownIntent, error) {
	now := time.Now()
	intent := &model.ShutdownIntent{
		ID:               m.idFunc(),
		Targets:          targets,
		CountdownSeconds: countdownSeconds,
		Reason:           reason,
		BackendFallback:  fallbackFamily,
		Force:            force,
		CreatedAt:        now,
		TicketExpiresAt:  now.Add(time.Duration(countdownSeconds)*time.Second + m.evictBuffer + m.ticketBuffer),
		Tickets:          make(map[string]*model.ShutdownTicket),
		Phases:           make(map[string]model.ServicePhase),
	}

	for _, t := range targets {
		intent.Phases[t.ServiceID] = model.PhaseEvacuate
		switch t.Type {
		case model.TargetBackend:
			if _, err := m.reg.UpdateStatus(t.ServiceID, model.BackendEvacuating); err != nil {
				return nil, err
			}
		case model.TargetProxy:
			m.reg.UpdateProxyStatus(t.ServiceID, model.ProxyEvacuating)
		}
	}

	m.mu.Lock()
	m.intents[intent.ID] = intent
	m.mu.Unlock()

	envelope, err := bus.Encode("ShutdownIntent", "registry", "", intent.ID, intent)
	if err != nil {
		return intent, err
	}
	return intent, m.transport.Publish(bus.ChannelShutdownIntent, envelope)
}

// HandleUpdate processes a per-service phase report. EVACUATE with a
// non-empty playerIds mints one ticket per player; SHUTDOWN removes the
// service from the evacuating set and transitions it terminal; once every
// target has reached SHUTDOWN, the intent is dropped.
func (m *Manager) HandleUpdate(ctx context.Context, intentID, serviceID string, phase model.ServicePhase, playerIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[intentID]
	if !ok {
		return nil
	}

	switch phase {
	case model.PhaseEvacuate:
		if len(playerIDs) > 0 {
			for _, playerID := range playerIDs {
				intent.Tickets[playerID] = &model.ShutdownTicket{
					PlayerID:       playerID,
					ServiceID:      serviceID,
					FallbackFamily: intent.BackendFallback,
					Force:          intent.Force,
					ExpiresAt:      intent.TicketExpiresAt,
				}
			}
		}
	case model.PhaseShutdown:
		intent.Phases[serviceID] = model.PhaseShutdown
		targetType := targetTypeFor(intent, serviceID)
		switch targetType {
		case model.TargetBackend:
			if _, err := m.reg.UpdateStatus(serviceID, model.BackendStopping); err != nil {
				return err
			}
		case model.TargetProxy:
			m.reg.UpdateProxyStatus(serviceID, model.ProxyUnavailable)
		}
		if intent.AllShutDown() {
			delete(m.intents, intentID)
		}
	}
	return nil
}

func targetTypeFor(intent *model.ShutdownIntent, serviceID string) model.TargetType {
	for _, t := range intent.Targets {
		if t.ServiceID == serviceID {
			return t.Type
		}
	}
	return ""
}

// ConsumeTicket returns intentID's ticket for playerID once, if present
// and unexpired. Concurrent callers for the same key never both succeed.
func (m *Manager) ConsumeTicket(playerID, intentID string) (*model.ShutdownTicket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumeLocked(intentID, playerID)
}

func (m *Manager) consumeLocked(intentID, playerID string) (*model.ShutdownTicket, bool) {
	intent, ok := m.intents[intentID]
	if !ok {
		return nil, false
	}
	ticket, ok := intent.Tickets[playerID]
	if !ok {
		return nil, false
	}
	delete(intent.Tickets, playerID)
	if time.Now().After(ticket.ExpiresAt) {
		return nil, false
	}
	return ticket, true
}

// ConsumeTicketForPlayer scans every live intent for a ticket belonging to
// playerID, a convenience for the routing pipeline which does not track
// intent ids per player.
func (m *Manager) ConsumeTicketForPlayer(playerID string) (*model.ShutdownTicket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for intentID := range m.intents {
		if ticket, ok := m.consumeLocked(intentID, playerID); ok {
			return ticket, true
		}
	}
	return nil, false
}

// CancelIntent broadcasts a cancellation and restores every evacuating
// target to its available state.
func (m *Manager) CancelIntent(ctx context.Context, intentID, operator string) error {
	m.mu.Lock()
	intent, ok := m.intents[intentID]
	if ok {
		delete(m.intents, intentID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	for _, t := range intent.Targets {
		switch t.Type {
		case model.TargetBackend:
			m.reg.RestoreAvailable(t.ServiceID)
		case model.TargetProxy:
			m.reg.RestoreProxyAvailable(t.ServiceID)
		}
	}

	envelope, err := bus.Encode("ShutdownIntentCancelled", "registry", "", intentID, map[string]string{
		"intentId": intentID,
		"operator": operator,
	})
	if err != nil {
		return err
	}
	return m.transport.Publish(bus.ChannelShutdownUpdate, envelope)
}

// IsServerEvacuating is a thin passthrough used by callers that only hold
// a shutdown.Manager reference.
func (m *Manager) IsServerEvacuating(serverID string) bool {
	return m.reg.IsServerEvacuating(serverID)
}

// SweepExpiredTickets drops every ticket past its expiry across all live
// intents, for the purge sweeper (component I).
func (m *Manager) SweepExpiredTickets(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for _, intent := range m.intents {
		for playerID, ticket := range intent.Tickets {
			if now.After(ticket.ExpiresAt) {
				delete(intent.Tickets, playerID)
				dropped++
			}
		}
	}
	return dropped
}

// Get returns the live intent by id, for admin/CLI inspection.
func (m *Manager) Get(intentID string) (*model.ShutdownIntent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[intentID]
	return intent, ok
}

// List returns every live intent, for admin/CLI inspection.
func (m *Manager) List() []*model.ShutdownIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.ShutdownIntent, 0, len(m.intents))
	for _, intent := range m.intents {
		out = append(out, intent)
	}
	return out
}
