// Package amqpnotify forwards "entity scaled" notifications to an AMQP
// exchange. Notifications are captured on the loop goroutine and published
// from a background worker so a slow broker never stalls a tick.
package amqpnotify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"entity-scale/server/internal/geom"
	"entity-scale/server/internal/telemetry"
	"entity-scale/server/internal/world"
	"entity-scale/server/logging"
)

const (
	// NotificationType is the AMQP message type of every publishing.
	NotificationType = "entity.scaled"

	metricKeyPublished = "notify_published_total"
	metricKeyDropped   = "notify_dropped_total"
	metricKeyFailed    = "notify_failed_total"
)

// Publisher is the part of *amqp.Channel the notifier uses.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Config struct {
	Exchange   string
	RoutingKey string
	// Buffer bounds the notifications waiting to be published.
	Buffer int

	Clock   logging.Clock
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Event is the JSON body of a notification.
type Event struct {
	EntityID uint64     `json:"entityId"`
	Prefab   string     `json:"prefab"`
	Scale    [3]float64 `json:"scale"`
	At       time.Time  `json:"at"`
}

type Notifier struct {
	publisher Publisher
	closer    func() error
	cfg       Config
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	clock     logging.Clock

	mu     sync.Mutex
	closed bool
	seq    uint64
	queue  chan Event
	wg     sync.WaitGroup
}

// Dial connects to the broker, declares a durable topic exchange and
// returns a notifier publishing to it.
func Dial(url string, cfg Config) (*Notifier, error) {
	broker, err := amqp.DialConfig(url, amqp.Config{
		Properties: amqp.Table{"product": "entity-scale"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := broker.Channel()
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		broker.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}
	n := New(channel, cfg)
	n.closer = func() error {
		return errors.Join(channel.Close(), broker.Close())
	}
	return n, nil
}

// New starts a notifier publishing through p.
func New(p Publisher, cfg Config) *Notifier {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.WrapLogger(log.Default())
	}
	n := &Notifier{
		publisher: p,
		cfg:       cfg,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		queue:     make(chan Event, cfg.Buffer),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// Notify queues a notification. It matches the scale engine's notify hook
// and never blocks; when the buffer is full the notification is dropped.
func (n *Notifier) Notify(entity *world.Entity, v geom.Vec3) {
	if n == nil || entity == nil {
		return
	}
	event := Event{
		EntityID: uint64(entity.ID()),
		Prefab:   entity.Prefab(),
		Scale:    v.Array(),
		At:       n.clock.Now().UTC(),
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- event:
	default:
		n.add(metricKeyDropped)
	}
}

// Close publishes what is queued and releases the broker connection.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
	if n.closer != nil {
		return n.closer()
	}
	return nil
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for event := range n.queue {
		if err := n.publish(event); err != nil {
			n.add(metricKeyFailed)
			n.logger.Printf("[notify] publish entity %d: %v", event.EntityID, err)
			continue
		}
		n.add(metricKeyPublished)
	}
}

func (n *Notifier) publish(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	n.seq++
	return n.publisher.Publish(
		n.cfg.Exchange,
		n.cfg.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			MessageId:    strconv.FormatUint(n.seq, 10),
			Type:         NotificationType,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.At,
			Body:         body,
		},
	)
}

func (n *Notifier) add(key string) {
	if n.metrics != nil {
		n.metrics.Add(key, 1)
	}
}
