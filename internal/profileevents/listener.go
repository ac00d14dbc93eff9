package profileevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Event names carried in change notifications.
const (
	EventProfileDataChange   = "profileDataChange"
	EventPrimaryEmailChanged = "primaryEmailChanged"
	EventDelete              = "delete"
)

// Re-subscription delays grow exponentially from DefaultRetryDelay up to
// DefaultMaxRetryDelay while the database stays unreachable.
const (
	DefaultRetryDelay    = 2 * time.Second
	DefaultMaxRetryDelay = time.Minute
)

var (
	errMissingSubscriber  = errors.New("profile_events.missing_subscriber")
	errMissingInvalidator = errors.New("profile_events.missing_invalidator")
	errMalformedPayload   = errors.New("profile_events.malformed_payload")
	errMissingUID         = errors.New("profile_events.missing_uid")
)

// Change is the payload published by the profiles trigger.
type Change struct {
	UID   string `json:"uid"`
	Event string `json:"event"`
}

// Notification is one message received on a channel.
type Notification struct {
	Channel string
	Payload string
}

// Subscription yields notifications until it fails or ctx ends.
type Subscription interface {
	Next(ctx context.Context) (Notification, error)
	Close(ctx context.Context)
}

// Subscriber opens subscriptions to a channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Invalidator drops cached profiles. *profilecache.Service satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, subjectID string) error
}

// Config wires a Listener.
type Config struct {
	Subscriber  Subscriber
	Channel     string
	Invalidator Invalidator
	Logger      *zap.Logger
	// RetryDelay and MaxRetryDelay bound the jittered exponential re-subscribe policy.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// BackOff replaces the default policy when set.
	BackOff backoff.BackOff
}

// Listener turns profile change notifications into cache invalidations.
type Listener struct {
	subscriber  Subscriber
	channel     string
	invalidator Invalidator
	logger      *zap.Logger
	backOff     backoff.BackOff
}

// NewListener validates the configuration and builds a Listener.
func NewListener(configuration Config) (*Listener, error) {
	if configuration.Subscriber == nil {
		return nil, fmt.Errorf("profile_events.new: %w", errMissingSubscriber)
	}
	if configuration.Invalidator == nil {
		return nil, fmt.Errorf("profile_events.new: %w", errMissingInvalidator)
	}
	channel := configuration.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	if err := ValidateChannel(channel); err != nil {
		return nil, fmt.Errorf("profile_events.new: %w", err)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := configuration.BackOff
	if policy == nil {
		policy = newResubscribeBackOff(configuration.RetryDelay, configuration.MaxRetryDelay)
	}
	return &Listener{
		subscriber:  configuration.Subscriber,
		channel:     channel,
		invalidator: configuration.Invalidator,
		logger:      logger,
		backOff:     policy,
	}, nil
}

func newResubscribeBackOff(retryDelay time.Duration, maxRetryDelay time.Duration) *backoff.ExponentialBackOff {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if maxRetryDelay <= 0 {
		maxRetryDelay = DefaultMaxRetryDelay
	}
	if maxRetryDelay < retryDelay {
		maxRetryDelay = retryDelay
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryDelay
	policy.MaxInterval = maxRetryDelay
	policy.Reset()
	return policy
}

// Run consumes notifications until ctx is cancelled, re-subscribing after
// connection failures. Consecutive failures back off exponentially; a
// successful subscription starts the policy over.
func (listener *Listener) Run(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, listener.listenOnce(ctx)
	},
		backoff.WithBackOff(listener.backOff),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			listener.logger.Warn("profile change subscription lost",
				zap.String("code", "profile_events.subscription_lost"),
				zap.String("channel", listener.channel),
				zap.Duration("retry_in", delay),
				zap.Error(err))
		}),
	)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("profile_events.run: %w", err)
	}
	return nil
}

func (listener *Listener) listenOnce(ctx context.Context) error {
	subscription, err := listener.subscriber.Subscribe(ctx, listener.channel)
	if err != nil {
		return fmt.Errorf("profile_events.subscribe: %w", err)
	}
	defer subscription.Close(ctx)
	listener.backOff.Reset()
	listener.logger.Info("listening for profile changes",
		zap.String("code", "profile_events.listening"),
		zap.String("channel", listener.channel))

	for {
		notification, nextErr := subscription.Next(ctx)
		if nextErr != nil {
			return fmt.Errorf("profile_events.next: %w", nextErr)
		}
		if handleErr := listener.Handle(ctx, notification.Payload); handleErr != nil {
			listener.logger.Warn("profile change not applied",
				zap.String("code", "profile_events.handle_failed"),
				zap.String("payload", notification.Payload),
				zap.Error(handleErr))
		}
	}
}

// Handle applies one notification payload. Every event for a known uid
// invalidates, including events this service does not recognize.
func (listener *Listener) Handle(ctx context.Context, payload string) error {
	var change Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return fmt.Errorf("%w: %w", errMalformedPayload, err)
	}
	if strings.TrimSpace(change.UID) == "" {
		return errMissingUID
	}
	if err := listener.invalidator.Invalidate(ctx, change.UID); err != nil {
		return fmt.Errorf("profile_events.invalidate: %w", err)
	}
	listener.logger.Debug("profile invalidated",
		zap.String("code", "profile_events.invalidated"),
		zap.String("uid", change.UID),
		zap.String("event", change.Event))
	return nil
}

// PoolSubscriber listens on connections acquired from a pgx pool.
type PoolSubscriber struct {
	pool *pgxpool.Pool
}

// NewPoolSubscriber wraps pool.
func NewPoolSubscriber(pool *pgxpool.Pool) *PoolSubscriber {
	return &PoolSubscriber{pool: pool}
}

// Subscribe acquires a dedicated connection and issues LISTEN on it.
func (subscriber *PoolSubscriber) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	connection, err := subscriber.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, execErr := connection.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); execErr != nil {
		connection.Release()
		return nil, execErr
	}
	return &poolSubscription{connection: connection}, nil
}

type poolSubscription struct {
	connection *pgxpool.Conn
}

func (subscription *poolSubscription) Next(ctx context.Context) (Notification, error) {
	notification, err := subscription.connection.Conn().WaitForNotification(ctx)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Channel: notification.Channel, Payload: notification.Payload}, nil
}

// Close stops listening before the connection returns to the pool, so pooled
// connections never buffer notifications nobody reads.
func (subscription *poolSubscription) Close(ctx context.Context) {
	cleanupContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if _, err := subscription.connection.Exec(cleanupContext, "UNLISTEN *"); err != nil {
		_ = subscription.connection.Conn().Close(cleanupContext)
	}
	subscription.connection.Release()
}
