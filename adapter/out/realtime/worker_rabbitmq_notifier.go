package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

const (
	ExchangeEvents = "mailsync.events"

	DefaultPublishRetries = 3
	DefaultPublishTimeout = 5 * time.Second
)

type RabbitConfig struct {
	Exchange       string
	MaxRetries     int
	PublishTimeout time.Duration
}

func DefaultRabbitConfig() *RabbitConfig {
	return &RabbitConfig{
		Exchange:       ExchangeEvents,
		MaxRetries:     DefaultPublishRetries,
		PublishTimeout: DefaultPublishTimeout,
	}
}

// eventEnvelope is the message body published on the fanout exchange.
type eventEnvelope struct {
	ID        string               `json:"id"`
	Type      string               `json:"type"`
	UserID    string               `json:"user_id"`
	AccountID string               `json:"account_id"`
	Data      *domain.Notification `json:"data"`
	Timestamp string               `json:"timestamp"`
}

// RabbitNotifier publishes notifications to a durable fanout exchange with
// publisher confirms, for consumers outside this process.
type RabbitNotifier struct {
	url    string
	config RabbitConfig
	log    zerolog.Logger

	connMu   sync.Mutex
	conn     *amqp091.Connection
	pubMu    sync.Mutex
	channel  *amqp091.Channel
	confirms chan amqp091.Confirmation
}

func NewRabbitNotifier(url string, log zerolog.Logger, config *RabbitConfig) (*RabbitNotifier, error) {
	if config == nil {
		config = DefaultRabbitConfig()
	}
	n := &RabbitNotifier{
		url:    url,
		config: *config,
		log:    log.With().Str("component", "rabbit_notifier").Logger(),
	}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

func (r *RabbitNotifier) connect() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	conn, err := amqp091.Dial(r.url)
	if err != nil {
		return errors.Wrap(err, "failed to connect to RabbitMQ")
	}
	r.conn = conn

	if err := r.declareExchange(); err != nil {
		return err
	}
	return r.setupChannel()
}

func (r *RabbitNotifier) declareExchange() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open setup channel")
	}
	defer ch.Close()

	err = ch.ExchangeDeclare(
		r.config.Exchange,
		"fanout",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	return errors.Wrapf(err, "failed to declare exchange %s", r.config.Exchange)
}

func (r *RabbitNotifier) setupChannel() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open publish channel")
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return errors.Wrap(err, "failed to enable publisher confirms")
	}
	r.confirms = ch.NotifyPublish(make(chan amqp091.Confirmation, 1))
	r.channel = ch
	return nil
}

func (r *RabbitNotifier) ensureChannel() error {
	if r.conn == nil || r.conn.IsClosed() {
		if err := r.connect(); err != nil {
			return errors.Wrap(err, "failed to re-establish connection")
		}
	}
	if r.channel == nil || r.channel.IsClosed() {
		if err := r.setupChannel(); err != nil {
			return errors.Wrap(err, "failed to re-establish channel")
		}
	}
	return nil
}

// Notify publishes n, retrying with linear backoff.
func (r *RabbitNotifier) Notify(ctx context.Context, n *domain.Notification) error {
	body, err := json.Marshal(eventEnvelope{
		ID:        uuid.NewString(),
		Type:      string(n.Type),
		UserID:    n.UserID.String(),
		AccountID: n.AccountID.String(),
		Data:      n,
		Timestamp: n.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification")
	}

	var lastErr error
	for attempt := 0; attempt < r.config.MaxRetries; attempt++ {
		if lastErr = r.publish(ctx, body); lastErr == nil {
			return nil
		}
		r.log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("publish failed")
		if attempt < r.config.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond * time.Duration(attempt+1)):
			}
		}
	}
	return errors.Wrap(lastErr, "failed to publish notification after retries")
}

func (r *RabbitNotifier) publish(ctx context.Context, body []byte) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.ensureChannel(); err != nil {
		return err
	}

	err := r.channel.PublishWithContext(ctx,
		r.config.Exchange,
		"",
		false,
		false,
		amqp091.Publishing{
			DeliveryMode: amqp091.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		})
	if err != nil {
		return errors.Wrap(err, "failed to publish message")
	}

	select {
	case confirm := <-r.confirms:
		if !confirm.Ack {
			return errors.New("message was nacked by broker")
		}
		return nil
	case <-time.After(r.config.PublishTimeout):
		return errors.New("publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RabbitNotifier) Close() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	var err error
	if r.channel != nil {
		if cerr := r.channel.Close(); cerr != nil {
			r.log.Error().Err(cerr).Msg("closing publish channel")
			err = cerr
		}
	}
	if r.conn != nil {
		if cerr := r.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

var _ out.Notifier = (*RabbitNotifier)(nil)
