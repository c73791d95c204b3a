package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/nestchat/internal/apperr"
	"github.com/lalith-99/nestchat/internal/models"
)

// RedisTransport implements Transport on redis: PUBLISH/SUBSCRIBE for
// live delivery, a capped list per channel (LPUSH + LTRIM) for history
// replay. Channel keys are namespaced so chat traffic never collides
// with other users of the same redis.
type RedisTransport struct {
	rdb    *goredis.Client
	logger *zap.Logger

	mu     sync.Mutex
	counts map[string]int
}

const (
	liveKeyPrefix    = "nestchat:live:"
	historyKeyPrefix = "nestchat:history:"
	historyTTL       = 7 * 24 * time.Hour
)

// NewRedisTransport connects and verifies the connection with a ping.
func NewRedisTransport(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisTransport, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("redis transport connected", zap.String("addr", opts.Addr))
	return &RedisTransport{
		rdb:    rdb,
		logger: logger,
		counts: make(map[string]int),
	}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, msg models.ChannelMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal channel message: %w", err)
	}

	// History first, then live. A subscriber that attaches between the
	// two sees the message in replay; the channel client de-duplicates
	// by message ID if it also arrives live.
	pipe := t.rdb.TxPipeline()
	historyKey := historyKeyPrefix + channel
	pipe.LPush(ctx, historyKey, raw)
	pipe.LTrim(ctx, historyKey, 0, HistoryCap-1)
	pipe.Expire(ctx, historyKey, historyTTL)
	pipe.Publish(ctx, liveKeyPrefix+channel, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "publish to channel", err)
	}
	return nil
}

type redisSub struct {
	transport *RedisTransport
	channel   string
	pubsub    *goredis.PubSub
	ch        chan models.ChannelMessage
	cancel    context.CancelFunc
	once      sync.Once
}

func (s *redisSub) C() <-chan models.ChannelMessage { return s.ch }

func (s *redisSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
		s.transport.decr(s.channel)
	})
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := t.rdb.Subscribe(ctx, liveKeyPrefix+channel)

	// Confirm the subscription actually started before reporting
	// success; a dead redis should fail the attach, not hang it.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, apperr.Wrap(apperr.CodeUnavailable, "subscribe to channel", err)
	}

	forwardCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{
		transport: t,
		channel:   channel,
		pubsub:    pubsub,
		ch:        make(chan models.ChannelMessage, subBuffer),
		cancel:    cancel,
	}
	t.incr(channel)

	go func() {
		defer close(sub.ch)
		in := pubsub.Channel()
		for {
			select {
			case <-forwardCtx.Done():
				return
			case m, ok := <-in:
				if !ok || m == nil {
					return
				}
				var msg models.ChannelMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					t.logger.Warn("bad channel payload", zap.String("channel", channel), zap.Error(err))
					continue
				}
				select {
				case sub.ch <- msg:
				case <-forwardCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

func (t *RedisTransport) History(ctx context.Context, channel string, limit int) ([]models.ChannelMessage, error) {
	if limit <= 0 || limit > HistoryCap {
		limit = HistoryCap
	}

	// LPUSH puts newest at index 0, so LRANGE 0..limit-1 is already
	// newest first.
	raws, err := t.rdb.LRange(ctx, historyKeyPrefix+channel, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "fetch channel history", err)
	}

	page := make([]models.ChannelMessage, 0, len(raws))
	for _, raw := range raws {
		var msg models.ChannelMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			t.logger.Warn("bad history payload", zap.String("channel", channel), zap.Error(err))
			continue
		}
		page = append(page, msg)
	}
	return page, nil
}

// SubscriberCount reports local subscriptions only. Peers in other
// processes hold their own subscriptions against redis directly.
func (t *RedisTransport) SubscriberCount(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[channel]
}

func (t *RedisTransport) Close() error {
	t.logger.Info("closing redis transport")
	return t.rdb.Close()
}

func (t *RedisTransport) incr(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[channel]++
}

func (t *RedisTransport) decr(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[channel] <= 1 {
		delete(t.counts, channel)
		return
	}
	t.counts[channel]--
}
