package transport

import (
	"context"
	"sync"

	"github.com/lalith-99/nestchat/internal/apperr"
	"github.com/lalith-99/nestchat/internal/models"
)

// subBuffer sizes each subscriber's delivery queue. A subscriber that
// falls this far behind starts losing messages — same policy a hosted
// provider applies to slow consumers.
const subBuffer = 64

// MemTransport is the in-process Transport. It exists for TRANSPORT=memory
// development mode and for tests, which also use its failure-injection
// and call-counting hooks to exercise the channel client's retry path.
type MemTransport struct {
	mu      sync.Mutex
	closed  bool
	subs    map[string][]*memSub
	history map[string][]models.ChannelMessage

	failSubscribes int
	subscribeCalls int
}

type memSub struct {
	transport *MemTransport
	channel   string
	ch        chan models.ChannelMessage
	once      sync.Once
}

func (s *memSub) C() <-chan models.ChannelMessage { return s.ch }

func (s *memSub) Unsubscribe() {
	s.once.Do(func() {
		s.transport.drop(s)
		close(s.ch)
	})
}

func NewMemTransport() *MemTransport {
	return &MemTransport{
		subs:    make(map[string][]*memSub),
		history: make(map[string][]models.ChannelMessage),
	}
}

func (t *MemTransport) Publish(_ context.Context, channel string, msg models.ChannelMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return apperr.Unavailable("transport is closed")
	}

	hist := append(t.history[channel], msg)
	if len(hist) > HistoryCap {
		hist = hist[len(hist)-HistoryCap:]
	}
	t.history[channel] = hist

	for _, sub := range t.subs[channel] {
		select {
		case sub.ch <- msg:
		default:
			// Slow consumer: drop rather than block the publisher.
		}
	}
	return nil
}

func (t *MemTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subscribeCalls++
	if t.closed {
		return nil, apperr.Unavailable("transport is closed")
	}
	if t.failSubscribes > 0 {
		t.failSubscribes--
		return nil, apperr.Unavailable("injected subscribe failure")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memSub{
		transport: t,
		channel:   channel,
		ch:        make(chan models.ChannelMessage, subBuffer),
	}
	t.subs[channel] = append(t.subs[channel], sub)
	return sub, nil
}

func (t *MemTransport) History(_ context.Context, channel string, limit int) ([]models.ChannelMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, apperr.Unavailable("transport is closed")
	}

	hist := t.history[channel]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}

	// Newest first, matching the provider wire contract.
	page := make([]models.ChannelMessage, 0, limit)
	for i := len(hist) - 1; i >= len(hist)-limit; i-- {
		page = append(page, hist[i])
	}
	return page, nil
}

func (t *MemTransport) SubscriberCount(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[channel])
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string][]*memSub)
	t.closed = true
	t.mu.Unlock()

	for _, channelSubs := range subs {
		for _, sub := range channelSubs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	return nil
}

func (t *MemTransport) drop(target *memSub) {
	t.mu.Lock()
	defer t.mu.Unlock()

	channelSubs := t.subs[target.channel]
	for i, sub := range channelSubs {
		if sub == target {
			t.subs[target.channel] = append(channelSubs[:i], channelSubs[i+1:]...)
			break
		}
	}
	if len(t.subs[target.channel]) == 0 {
		delete(t.subs, target.channel)
	}
}

// FailNextSubscribes makes the next n Subscribe calls fail. Test hook
// for the channel client's bounded-retry behavior.
func (t *MemTransport) FailNextSubscribes(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failSubscribes = n
}

// SubscribeCalls reports how many Subscribe attempts were made.
func (t *MemTransport) SubscribeCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribeCalls
}
