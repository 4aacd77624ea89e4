package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// catchupLimit caps the events replayed to a late subscriber. Beyond it the
// client should reload the query snapshot over REST instead.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when the first
// subscriber of a channel arrives.
const listenTimeout = 10 * time.Second

// CatchupEvent is one stored event replayed on subscribe.
type CatchupEvent struct {
	ID      int64
	Payload []byte
}

// CatchupQuerier queries stored events for catchup. Implemented by
// services.EventService.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error)
}

// ChannelListener is the LISTEN surface the manager drives. Implemented by
// NotifyListener.
type ChannelListener interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Subscription is one SSE client's feed for a channel. Events is closed by
// Unsubscribe; a slow client that fills the buffer loses events rather than
// stalling the broadcast path, and recovers via catchup on reconnect.
type Subscription struct {
	Channel string
	Events  chan []byte
}

// StreamManager fans NOTIFY payloads out to local SSE subscribers and
// drives LISTEN/UNLISTEN on the shared pg connection as channels gain and
// lose their first and last subscriber.
type StreamManager struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]bool

	catchup    CatchupQuerier
	bufferSize int

	listenerMu sync.RWMutex
	listener   ChannelListener
}

func NewStreamManager(catchup CatchupQuerier, bufferSize int) *StreamManager {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &StreamManager{
		subs:       make(map[string]map[*Subscription]bool),
		catchup:    catchup,
		bufferSize: bufferSize,
	}
}

// SetListener wires the NOTIFY listener. Called once at startup.
func (m *StreamManager) SetListener(l ChannelListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// Subscribe registers a subscriber on a channel and returns any stored
// events after sinceID (sinceID < 0 skips catchup). The pg LISTEN is
// established before the catchup query so no event can fall between them.
func (m *StreamManager) Subscribe(ctx context.Context, channel string, sinceID int64) (*Subscription, []CatchupEvent, error) {
	if err := m.ensureListening(ctx, channel); err != nil {
		return nil, nil, err
	}

	sub := &Subscription{
		Channel: channel,
		Events:  make(chan []byte, m.bufferSize),
	}
	m.mu.Lock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*Subscription]bool)
	}
	m.subs[channel][sub] = true
	m.mu.Unlock()

	var replay []CatchupEvent
	if sinceID >= 0 && m.catchup != nil {
		var err error
		replay, err = m.catchup.GetCatchupEvents(ctx, channel, sinceID, catchupLimit)
		if err != nil {
			slog.Warn("Catchup query failed", "channel", channel, "error", err)
		}
	}
	return sub, replay, nil
}

// Unsubscribe removes the subscriber and closes its channel; the last
// subscriber of a channel drops the pg LISTEN.
func (m *StreamManager) Unsubscribe(ctx context.Context, sub *Subscription) {
	m.mu.Lock()
	if set, ok := m.subs[sub.Channel]; ok && set[sub] {
		delete(set, sub)
		close(sub.Events)
		if len(set) == 0 {
			delete(m.subs, sub.Channel)
		}
	}
	remaining := len(m.subs[sub.Channel])
	m.mu.Unlock()

	if remaining == 0 {
		m.listenerMu.RLock()
		listener := m.listener
		m.listenerMu.RUnlock()
		if listener != nil {
			if err := listener.Unsubscribe(ctx, sub.Channel); err != nil {
				slog.Warn("UNLISTEN failed", "channel", sub.Channel, "error", err)
			}
		}
	}
}

// Broadcast fans one payload out to the channel's local subscribers.
// Sends never block: a full subscriber buffer drops the event.
func (m *StreamManager) Broadcast(channel string, payload []byte) {
	m.mu.RLock()
	targets := make([]*Subscription, 0, len(m.subs[channel]))
	for sub := range m.subs[channel] {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.Events <- payload:
		default:
			slog.Warn("Dropping event for slow subscriber", "channel", channel)
		}
	}
}

// SubscriberCount returns the local subscriber count for a channel.
func (m *StreamManager) SubscriberCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

func (m *StreamManager) ensureListening(ctx context.Context, channel string) error {
	m.listenerMu.RLock()
	listener := m.listener
	m.listenerMu.RUnlock()
	if listener == nil {
		return nil
	}

	listenCtx, cancel := context.WithTimeout(ctx, listenTimeout)
	defer cancel()
	if err := listener.Subscribe(listenCtx, channel); err != nil {
		return fmt.Errorf("listen on %s: %w", channel, err)
	}
	return nil
}
