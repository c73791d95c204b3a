package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/nestchat/internal/apperr"
	"github.com/lalith-99/nestchat/internal/models"
	"github.com/lalith-99/nestchat/internal/transport"
)

// State is the channel's attach lifecycle state.
//
//	Detached → Attaching → Attached
//	Attaching → Failed (retry budget exhausted)
//	Attached  → Suspended → Attaching (automatic reconnect)
//	any       → Detached (explicit detach / teardown)
type State int

const (
	StateDetached State = iota
	StateAttaching
	StateAttached
	StateSuspended
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateSuspended:
		return "suspended"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Options tunes a channel's attach behavior. Zero values take the
// defaults below; tests shrink the timings.
type Options struct {
	// AttachTimeout bounds a single attach attempt.
	AttachTimeout time.Duration
	// MaxAttachAttempts caps automatic retries. After the cap the
	// channel lands in StateFailed and stays there until the caller
	// attaches again.
	MaxAttachAttempts int
	// RetryBackoff is the wait after the first failed attempt; it
	// doubles per attempt.
	RetryBackoff time.Duration
	// HistoryLimit bounds the replay page fetched on attach.
	HistoryLimit int

	// OnMessage is invoked for every message merged into the
	// transcript, both history replay and live delivery, in transcript
	// order.
	OnMessage func(models.ChannelMessage)
	// OnStateChange is invoked on every lifecycle transition. The error
	// is non-nil for Failed and Suspended.
	OnStateChange func(State, error)
}

const (
	defaultAttachTimeout     = 10 * time.Second
	defaultMaxAttachAttempts = 4
	defaultRetryBackoff      = 1 * time.Second
	defaultHistoryLimit      = 50
)

func (o Options) withDefaults() Options {
	if o.AttachTimeout <= 0 {
		o.AttachTimeout = defaultAttachTimeout
	}
	if o.MaxAttachAttempts <= 0 {
		o.MaxAttachAttempts = defaultMaxAttachAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = defaultHistoryLimit
	}
	return o
}

// Channel binds one conversation to its realtime channel. It replaces
// the web client's ad hoc effect hooks with an explicit state machine:
// bounded attach retries instead of recursive timeouts, and a
// cancellation context instead of mounted-ref flags. All exported
// methods are safe for concurrent use.
type Channel struct {
	name    string
	manager *ConnManager
	opts    Options
	logger  *zap.Logger

	mu         sync.Mutex
	state      State
	attaching  bool
	sessionCtx context.Context
	tr         transport.Transport
	sub        transport.Subscription
	cancelFwd  context.CancelFunc
	seen       map[string]bool
	transcript []models.ChannelMessage
}

// NewChannel creates a channel client for the given channel name,
// normally pairkey.Pair.ChannelName() for the conversation's pair.
func NewChannel(manager *ConnManager, name string, opts Options, logger *zap.Logger) *Channel {
	return &Channel{
		name:    name,
		manager: manager,
		opts:    opts.withDefaults(),
		logger:  logger.With(zap.String("channel", name)),
		state:   StateDetached,
		seen:    make(map[string]bool),
	}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a copy of the transcript merged so far, oldest first.
func (c *Channel) Messages() []models.ChannelMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ChannelMessage, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Attach connects the channel: subscribe, replay history, then forward
// live messages. Attempts are bounded by MaxAttachAttempts with
// exponential backoff between them; each attempt is bounded by
// AttachTimeout. Cancelling ctx abandons the attach without mutating
// observable state afterwards — it is the caller's teardown token.
//
// A second Attach while one is in flight is a no-op, as is attaching an
// already attached channel.
func (c *Channel) Attach(ctx context.Context) error {
	c.mu.Lock()
	if c.attaching || c.state == StateAttached {
		c.mu.Unlock()
		return nil
	}
	c.attaching = true
	c.sessionCtx = ctx
	c.setStateLocked(StateAttaching, nil)
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttachAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			c.abandonAttach()
			return err
		}

		err := c.tryAttach(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			c.abandonAttach()
			return ctx.Err()
		}
		lastErr = err
		c.logger.Warn("channel attach attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.opts.MaxAttachAttempts),
			zap.Error(err),
		)

		if attempt == c.opts.MaxAttachAttempts {
			break
		}
		backoff := c.opts.RetryBackoff << (attempt - 1)
		select {
		case <-ctx.Done():
			c.abandonAttach()
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	err := apperr.Wrap(apperr.CodeUnavailable,
		fmt.Sprintf("failed to attach after %d attempts", c.opts.MaxAttachAttempts), lastErr)
	c.mu.Lock()
	c.attaching = false
	c.setStateLocked(StateFailed, err)
	c.mu.Unlock()
	return err
}

// tryAttach performs one bounded attach attempt. Subscribing happens
// before the history fetch so a message published in between is not
// lost; if it shows up in both, the transcript merge drops the
// duplicate by message ID.
func (c *Channel) tryAttach(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttachTimeout)
	defer cancel()

	tr, err := c.manager.Acquire(attemptCtx)
	if err != nil {
		return fmt.Errorf("acquire transport: %w", err)
	}

	sub, err := tr.Subscribe(attemptCtx, c.name)
	if err != nil {
		c.manager.Release()
		c.manager.ReleaseIfUnused()
		return fmt.Errorf("subscribe: %w", err)
	}

	page, err := tr.History(attemptCtx, c.name, c.opts.HistoryLimit)
	if err != nil {
		sub.Unsubscribe()
		c.manager.Release()
		c.manager.ReleaseIfUnused()
		return fmt.Errorf("fetch history: %w", err)
	}

	if err := ctx.Err(); err != nil {
		sub.Unsubscribe()
		c.manager.Release()
		c.manager.ReleaseIfUnused()
		return err
	}

	fwdCtx, cancelFwd := context.WithCancel(context.Background())

	c.mu.Lock()
	c.tr = tr
	c.sub = sub
	c.cancelFwd = cancelFwd
	c.attaching = false

	// History arrives newest first; merge oldest first for display.
	var replayed []models.ChannelMessage
	for i := len(page) - 1; i >= 0; i-- {
		if c.mergeLocked(page[i]) {
			replayed = append(replayed, page[i])
		}
	}
	c.setStateLocked(StateAttached, nil)
	onMessage := c.opts.OnMessage
	c.mu.Unlock()

	if onMessage != nil {
		for _, msg := range replayed {
			onMessage(msg)
		}
	}

	go c.forward(fwdCtx, sub)
	return nil
}

// Publish sends a message on the live channel. The transport echoes it
// back to our own subscription, which is how it enters the transcript —
// same path as the peer's copy of it.
func (c *Channel) Publish(ctx context.Context, msg models.ChannelMessage) error {
	c.mu.Lock()
	tr := c.tr
	state := c.state
	c.mu.Unlock()

	if state != StateAttached || tr == nil {
		return apperr.Unavailable("channel is not attached")
	}
	return tr.Publish(ctx, c.name, msg)
}

// Detach tears the channel down: unsubscribes, stops forwarding, and
// releases the shared connection reference. Idempotent; safe to call
// mid-attach (the in-flight attach finds its context cancelled by the
// caller and abandons quietly).
func (c *Channel) Detach() {
	c.mu.Lock()
	sub := c.sub
	tr := c.tr
	cancelFwd := c.cancelFwd
	prev := c.state
	c.sub = nil
	c.tr = nil
	c.cancelFwd = nil
	c.attaching = false
	c.state = StateDetached
	onState := c.opts.OnStateChange
	c.mu.Unlock()

	if cancelFwd != nil {
		cancelFwd()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	if tr != nil {
		c.manager.Release()
		c.manager.ReleaseIfUnused()
	}
	if prev != StateDetached && onState != nil {
		onState(StateDetached, nil)
	}
}

// abandonAttach resets the in-flight flag after a cancelled attach. No
// state callback fires: the caller tore the view down and must not
// receive updates afterwards.
func (c *Channel) abandonAttach() {
	c.mu.Lock()
	c.attaching = false
	c.state = StateDetached
	c.mu.Unlock()
}

func (c *Channel) forward(ctx context.Context, sub transport.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				c.suspend(ctx)
				return
			}
			c.mu.Lock()
			merged := c.mergeLocked(msg)
			onMessage := c.opts.OnMessage
			c.mu.Unlock()
			if merged && onMessage != nil {
				onMessage(msg)
			}
		}
	}
}

// suspend handles the subscription dying underneath an attached channel.
// The transition is Attached → Suspended → Attaching: surface a
// transient error, release the dead subscription, and retry the full
// attach cycle under the original session context.
func (c *Channel) suspend(fwdCtx context.Context) {
	c.mu.Lock()
	if c.state != StateAttached || fwdCtx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.sub = nil
	c.cancelFwd = nil
	if c.tr != nil {
		c.tr = nil
		c.manager.Release()
	}
	sessionCtx := c.sessionCtx
	c.setStateLocked(StateSuspended, apperr.Unavailable("realtime connection interrupted"))
	c.mu.Unlock()

	if sessionCtx == nil || sessionCtx.Err() != nil {
		return
	}
	go func() {
		if err := c.Attach(sessionCtx); err != nil {
			c.logger.Warn("reattach after suspension failed", zap.Error(err))
		}
	}()
}

// mergeLocked appends msg to the transcript unless its ID was already
// merged. Messages without an ID are merged unconditionally in arrival
// order. Caller holds c.mu.
func (c *Channel) mergeLocked(msg models.ChannelMessage) bool {
	if msg.ID != "" {
		if c.seen[msg.ID] {
			return false
		}
		c.seen[msg.ID] = true
	}
	c.transcript = append(c.transcript, msg)
	return true
}

// setStateLocked transitions state and notifies. Caller holds c.mu, so
// the callback runs under the channel lock: keep it cheap and never call
// back into the channel from it.
func (c *Channel) setStateLocked(next State, err error) {
	if c.state == next {
		return
	}
	c.state = next
	if cb := c.opts.OnStateChange; cb != nil {
		cb(next, err)
	}
}
