package bus

import (
	"sync"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

// FakeTransport is an in-process Transport used by unit tests across the
// registry components so they can be exercised without a running NATS
// Streaming cluster.
type FakeTransport struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	Sent     []SentMessage
}

// SentMessage records one Publish call for test assertions.
type SentMessage struct {
	Channel  string
	Envelope Envelope
}

// NewFakeTransport builds an empty FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{handlers: make(map[string][]Handler)}
}

// Publish records the message and synchronously invokes any subscribers
// registered on the channel, so tests can assert on side effects without
// polling.
func (f *FakeTransport) Publish(channel string, e Envelope) error {
	f.mu.Lock()
	f.Sent = append(f.Sent, SentMessage{Channel: channel, Envelope: e})
	hs := append([]Handler(nil), f.handlers[channel]...)
	f.mu.Unlock()

	for _, h := range hs {
		safeInvoke(noopLogger(), channel, h, e)
	}
	return nil
}

// Subscribe registers h for channel.
func (f *FakeTransport) Subscribe(channel string, h Handler) (func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = append(f.handlers[channel], h)
	idx := len(f.handlers[channel]) - 1
	return func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[channel][idx] = nil
		return nil
	}, nil
}

// Close is a no-op for the fake.
func (f *FakeTransport) Close() {}

// Published returns every envelope published on channel, in order.
func (f *FakeTransport) Published(channel string) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Envelope
	for _, m := range f.Sent {
		if m.Channel == channel {
			out = append(out, m.Envelope)
		}
	}
	return out
}

// LastSent returns the most recent message published on channel, if any.
func (f *FakeTransport) LastSent(channel string) (SentMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last SentMessage
	found := false
	for _, m := range f.Sent {
		if m.Channel == channel {
			last = m
			found = true
		}
	}
	return last, found
}
