// Package transport defines the realtime pub/sub boundary. A Transport
// gives the chat layer named channels with live publish/subscribe and a
// bounded provider-side history replay — the shape of the hosted
// realtime providers the web client talks to.
//
// The redis implementation backs production; the memory implementation
// backs development mode and the channel-client test suite.
package transport

import (
	"context"

	"github.com/lalith-99/nestchat/internal/models"
)

// HistoryCap bounds how many messages a channel retains for replay.
// Durable history lives in the conversation store; transport history
// exists only so a (re)connecting client can rebuild its transcript
// without a gateway round trip.
const HistoryCap = 200

// Subscription is a live feed of messages on one channel. The receive
// channel closes when the subscription ends, either via Unsubscribe or
// because the transport shut down.
type Subscription interface {
	C() <-chan models.ChannelMessage
	Unsubscribe()
}

// Transport is a named-channel pub/sub provider with history replay.
type Transport interface {
	// Publish delivers msg to all current subscribers of the channel
	// and appends it to the channel's replay history. At-least-once,
	// approximately ordered: callers tolerate live-order jitter because
	// persisted history is the source of truth on reload.
	Publish(ctx context.Context, channel string, msg models.ChannelMessage) error

	// Subscribe attaches to a channel for live messages published after
	// the call returns.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// History returns up to limit past messages, newest first. Callers
	// reverse for display.
	History(ctx context.Context, channel string, limit int) ([]models.ChannelMessage, error)

	// SubscriberCount reports this process's live subscriptions on the
	// channel. Used by the connection manager's teardown decision and
	// by tests asserting that detach leaves nothing behind.
	SubscriberCount(channel string) int

	// Close tears the transport down, ending all subscriptions.
	Close() error
}
