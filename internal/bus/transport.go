package bus

import (
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Publish/Subscribe when the transport has
// no NATS Streaming connection (a nil transport or a nil stanConn).
var ErrNotConnected = errors.New("bus: not connected")

// Handler processes one decoded Envelope. Handlers never panic: the
// subscription loop recovers and logs instead of crashing the process,
// matching spec § 7's "handlers never panic" propagation policy.
type Handler func(Envelope)

// Transport is the narrow publish/subscribe surface the rest of the
// registry depends on. It is satisfied by *NatsTransport and by tests'
// in-memory fake.
type Transport interface {
	Publish(channel string, e Envelope) error
	Subscribe(channel string, h Handler) (unsubscribe func() error, err error)
	Close()
}

// NatsTransport wires Publish/Subscribe onto NATS Streaming, the same pair
// the teacher connects in sessions.go's Receive and manager.go's
// ForwardProduce (nats.Connect then stan.Connect over it).
type NatsTransport struct {
	log        zerolog.Logger
	natsConn   *nats.Conn
	stanConn   stan.Conn
	clusterID  string
	clientID   string

	mu   sync.Mutex
	subs []stan.Subscription
}

// NatsConfig holds the connection parameters for NewNatsTransport.
type NatsConfig struct {
	Address   string
	ClusterID string
	ClientID  string
}

// NewNatsTransport connects to NATS then to NATS Streaming over that
// connection, exactly like gateway/manager.go's NewManager.
func NewNatsTransport(cfg NatsConfig, log zerolog.Logger) (*NatsTransport, error) {
	nc, err := nats.Connect(cfg.Address)
	if err != nil {
		return nil, err
	}

	sc, err := stan.Connect(cfg.ClusterID, cfg.ClientID, stan.NatsConn(nc))
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &NatsTransport{
		log:       log.With().Str("component", "bus").Logger(),
		natsConn:  nc,
		stanConn:  sc,
		clusterID: cfg.ClusterID,
		clientID:  cfg.ClientID,
	}, nil
}

// Publish marshals and publishes an envelope on channel, the way
// manager.go's ForwardProduce marshals a StreamEvent then calls
// stanClient.Publish.
func (t *NatsTransport) Publish(channel string, e Envelope) error {
	if t == nil || t.stanConn == nil {
		return ErrNotConnected
	}

	b, err := Marshal(e)
	if err != nil {
		t.log.Warn().Err(err).Str("channel", channel).Msg("failed to marshal envelope")
		return err
	}

	if err := t.stanConn.Publish(channel, b); err != nil {
		t.log.Warn().Err(err).Str("channel", channel).Msg("failed to publish envelope")
		return err
	}
	return nil
}

// Subscribe registers h to run for every envelope arriving on channel.
// Delivery order within a channel matches the transport's own ordering
// guarantee (spec § 5: "the runtime must deliver messages on a given
// channel in the order received from the transport").
func (t *NatsTransport) Subscribe(channel string, h Handler) (func() error, error) {
	if t == nil || t.stanConn == nil {
		return nil, ErrNotConnected
	}

	sub, err := t.stanConn.Subscribe(channel, func(m *stan.Msg) {
		e, err := Unmarshal(m.Data)
		if err != nil {
			t.log.Warn().Err(err).Str("channel", channel).Msg("failed to decode envelope")
			return
		}
		safeInvoke(t.log, channel, h, e)
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	return sub.Unsubscribe, nil
}

// safeInvoke runs h and recovers from panics: a handler crashing must never
// take down message processing for the rest of the fleet.
func safeInvoke(log zerolog.Logger, channel string, h Handler, e Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("channel", channel).Str("type", e.Type).Msg("handler panicked")
		}
	}()
	h(e)
}

// Close tears down the streaming and nats connections.
func (t *NatsTransport) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	for _, s := range t.subs {
		_ = s.Unsubscribe()
	}
	t.mu.Unlock()

	if t.stanConn != nil {
		_ = t.stanConn.Close()
	}
	if t.natsConn != nil {
		t.natsConn.Close()
	}
}
