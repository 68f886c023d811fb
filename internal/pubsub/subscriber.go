// Package pubsub multiplexes many local channel and pattern listeners onto a
// single shared Redis subscription connection, tracking per-subscription
// active state so listeners learn when delivery is (re)established or lost.
package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skylight-hq/presenced/internal/metrics"
)

// ChannelListener receives lifecycle and message events for one channel.
// OnActive fires when the server confirms the subscription, and again after
// every reconnect; OnInactive fires when the subscription connection drops.
type ChannelListener interface {
	OnActive(channel string)
	OnInactive(channel string)
	OnMessage(channel, payload string)
}

// PatternListener is the pattern-subscription counterpart of ChannelListener.
type PatternListener interface {
	OnActive(pattern string)
	OnInactive(pattern string)
	OnPatternMessage(pattern, channel, payload string)
}

type channelEntry struct {
	listeners map[ChannelListener]struct{}
	active    bool
}

type patternEntry struct {
	listeners map[PatternListener]struct{}
	active    bool
}

// Subscriber owns one *redis.PubSub and fans messages out to local listeners.
// The first listener on a name subscribes; the last removed one unsubscribes.
type Subscriber struct {
	logger *zap.Logger
	ps     *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*channelEntry
	patterns map[string]*patternEntry
	closed   bool
}

var (
	registryMu sync.Mutex
	registry   = map[redis.UniversalClient]*Subscriber{}
)

// For returns the process-wide subscriber for the given client, creating it
// on first use. The client must be dedicated to subscribing.
func For(client redis.UniversalClient, logger *zap.Logger) *Subscriber {
	registryMu.Lock()
	defer registryMu.Unlock()
	if s, ok := registry[client]; ok {
		return s
	}
	s := newSubscriber(client, logger)
	registry[client] = s
	return s
}

func newSubscriber(client redis.UniversalClient, logger *zap.Logger) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		logger:   logger,
		ps:       client.Subscribe(ctx),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channelEntry),
		patterns: make(map[string]*patternEntry),
	}
	go s.receiveLoop()
	return s
}

// OnChannel registers a listener; the first listener on a channel issues
// SUBSCRIBE. A listener added while the channel is already active is told so
// immediately.
func (s *Subscriber) OnChannel(channel string, l ChannelListener) {
	s.mu.Lock()
	entry := s.channels[channel]
	if entry == nil {
		entry = &channelEntry{listeners: make(map[ChannelListener]struct{})}
		s.channels[channel] = entry
		if err := s.ps.Subscribe(s.ctx, channel); err != nil {
			s.logger.Debug("subscribe failed, will confirm on reconnect",
				zap.String("channel", channel), zap.Error(err))
		}
		metrics.SubscriptionsActive.Inc()
	}
	entry.listeners[l] = struct{}{}
	active := entry.active
	s.mu.Unlock()
	if active {
		l.OnActive(channel)
	}
}

// OffChannel removes a listener; the last removed listener issues UNSUBSCRIBE.
func (s *Subscriber) OffChannel(channel string, l ChannelListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.channels[channel]
	if entry == nil {
		return
	}
	delete(entry.listeners, l)
	if len(entry.listeners) == 0 {
		delete(s.channels, channel)
		if err := s.ps.Unsubscribe(s.ctx, channel); err != nil {
			s.logger.Debug("unsubscribe failed", zap.String("channel", channel), zap.Error(err))
		}
		metrics.SubscriptionsActive.Dec()
	}
}

// OnPattern registers a pattern listener; the first one issues PSUBSCRIBE.
func (s *Subscriber) OnPattern(pattern string, l PatternListener) {
	s.mu.Lock()
	entry := s.patterns[pattern]
	if entry == nil {
		entry = &patternEntry{listeners: make(map[PatternListener]struct{})}
		s.patterns[pattern] = entry
		if err := s.ps.PSubscribe(s.ctx, pattern); err != nil {
			s.logger.Debug("psubscribe failed, will confirm on reconnect",
				zap.String("pattern", pattern), zap.Error(err))
		}
		metrics.SubscriptionsActive.Inc()
	}
	entry.listeners[l] = struct{}{}
	active := entry.active
	s.mu.Unlock()
	if active {
		l.OnActive(pattern)
	}
}

// OffPattern removes a pattern listener; the last one issues PUNSUBSCRIBE.
func (s *Subscriber) OffPattern(pattern string, l PatternListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.patterns[pattern]
	if entry == nil {
		return
	}
	delete(entry.listeners, l)
	if len(entry.listeners) == 0 {
		delete(s.patterns, pattern)
		if err := s.ps.PUnsubscribe(s.ctx, pattern); err != nil {
			s.logger.Debug("punsubscribe failed", zap.String("pattern", pattern), zap.Error(err))
		}
		metrics.SubscriptionsActive.Dec()
	}
}

// IsChannelActive reports whether the server has confirmed the subscription.
func (s *Subscriber) IsChannelActive(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.channels[channel]
	return entry != nil && entry.active
}

// IsPatternActive reports whether the server has confirmed the pattern.
func (s *Subscriber) IsPatternActive(pattern string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.patterns[pattern]
	return entry != nil && entry.active
}

// Close tears the subscription connection down. Registered listeners receive
// a final inactive notification.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.markAllInactive()
	s.cancel()
	return s.ps.Close()
}

// receiveLoop interprets the raw pub/sub reply stream. Subscription
// confirmations drive active transitions; receive errors drive inactive
// transitions. After an error the underlying client reconnects and re-issues
// every registered subscription, whose fresh confirmations re-activate the
// listeners.
func (s *Subscriber) receiveLoop() {
	for {
		msg, err := s.ps.Receive(s.ctx)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || s.ctx.Err() != nil {
				return
			}
			s.markAllInactive()
			continue
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" || m.Kind == "psubscribe" {
				s.markActive(m.Kind == "psubscribe", m.Channel)
			}
		case *redis.Message:
			s.dispatch(m)
		}
	}
}

func (s *Subscriber) markActive(isPattern bool, name string) {
	var notify func()
	s.mu.Lock()
	if isPattern {
		if entry := s.patterns[name]; entry != nil && !entry.active {
			entry.active = true
			ls := snapshotPatternListeners(entry)
			notify = func() {
				for _, l := range ls {
					l.OnActive(name)
				}
			}
		}
	} else {
		if entry := s.channels[name]; entry != nil && !entry.active {
			entry.active = true
			ls := snapshotChannelListeners(entry)
			notify = func() {
				for _, l := range ls {
					l.OnActive(name)
				}
			}
		}
	}
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (s *Subscriber) markAllInactive() {
	type pending struct {
		name    string
		chLs    []ChannelListener
		patLs   []PatternListener
		pattern bool
	}
	var all []pending
	s.mu.Lock()
	for name, entry := range s.channels {
		if entry.active {
			entry.active = false
			all = append(all, pending{name: name, chLs: snapshotChannelListeners(entry)})
		}
	}
	for name, entry := range s.patterns {
		if entry.active {
			entry.active = false
			all = append(all, pending{name: name, patLs: snapshotPatternListeners(entry), pattern: true})
		}
	}
	s.mu.Unlock()
	for _, p := range all {
		for _, l := range p.chLs {
			l.OnInactive(p.name)
		}
		for _, l := range p.patLs {
			l.OnInactive(p.name)
		}
	}
}

func (s *Subscriber) dispatch(m *redis.Message) {
	if m.Pattern != "" {
		s.mu.Lock()
		entry := s.patterns[m.Pattern]
		var ls []PatternListener
		if entry != nil {
			ls = snapshotPatternListeners(entry)
		}
		s.mu.Unlock()
		for _, l := range ls {
			l.OnPatternMessage(m.Pattern, m.Channel, m.Payload)
		}
		return
	}
	s.mu.Lock()
	entry := s.channels[m.Channel]
	var ls []ChannelListener
	if entry != nil {
		ls = snapshotChannelListeners(entry)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l.OnMessage(m.Channel, m.Payload)
	}
}

func snapshotChannelListeners(e *channelEntry) []ChannelListener {
	out := make([]ChannelListener, 0, len(e.listeners))
	for l := range e.listeners {
		out = append(out, l)
	}
	return out
}

func snapshotPatternListeners(e *patternEntry) []PatternListener {
	out := make([]PatternListener, 0, len(e.listeners))
	for l := range e.listeners {
		out = append(out, l)
	}
	return out
}
