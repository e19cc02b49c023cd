package amqpnotify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"entity-scale/server/internal/geom"
	"entity-scale/server/internal/telemetry"
	"entity-scale/server/internal/world"
	"entity-scale/server/logging"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type publishing struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublisher struct {
	mu      sync.Mutex
	sent    []publishing
	fail    error
	entered chan struct{}
	release chan struct{}
}

func (p *fakePublisher) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if p.entered != nil {
		p.entered <- struct{}{}
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.sent = append(p.sent, publishing{exchange: exchange, key: key, msg: msg})
	return nil
}

func spawn(t *testing.T) *world.Entity {
	t.Helper()
	w := world.New(world.Config{})
	return w.SpawnEntity(world.SpawnParams{ID: 42, Prefab: "assets/prefabs/deployable/crate.prefab"})
}

func TestNotifyPublishesJSONEvent(t *testing.T) {
	publisher := &fakePublisher{}
	metrics := &logging.Metrics{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := New(publisher, Config{
		Exchange:   "entity-scale",
		RoutingKey: "entity.scaled",
		Clock:      fixedClock{now: at},
		Metrics:    telemetry.WrapMetrics(metrics),
	})

	n.Notify(spawn(t), geom.Vec3{X: 2, Y: 3, Z: 4})
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(publisher.sent) != 1 {
		t.Fatalf("expected one publishing, got %d", len(publisher.sent))
	}
	sent := publisher.sent[0]
	if sent.exchange != "entity-scale" || sent.key != "entity.scaled" {
		t.Fatalf("unexpected destination %s/%s", sent.exchange, sent.key)
	}
	if sent.msg.Type != NotificationType || sent.msg.ContentType != "application/json" || sent.msg.MessageId != "1" {
		t.Fatalf("unexpected publishing %+v", sent.msg)
	}
	var event Event
	if err := json.Unmarshal(sent.msg.Body, &event); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if event.EntityID != 42 || event.Scale != [3]float64{2, 3, 4} || !event.At.Equal(at) {
		t.Fatalf("unexpected event %+v", event)
	}
	if metrics.Snapshot()[metricKeyPublished] != 1 {
		t.Fatalf("expected published metric")
	}
}

func TestNotifyDropsWhenBufferFull(t *testing.T) {
	publisher := &fakePublisher{entered: make(chan struct{}), release: make(chan struct{})}
	metrics := &logging.Metrics{}
	n := New(publisher, Config{Buffer: 1, Metrics: telemetry.WrapMetrics(metrics)})
	entity := spawn(t)

	n.Notify(entity, geom.Uniform(2))
	<-publisher.entered
	n.Notify(entity, geom.Uniform(3))
	n.Notify(entity, geom.Uniform(4))

	if got := metrics.Snapshot()[metricKeyDropped]; got != 1 {
		t.Fatalf("expected one dropped notification, got %d", got)
	}
	go func() {
		for range publisher.entered {
		}
	}()
	close(publisher.release)
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(publisher.entered)
	if len(publisher.sent) != 2 {
		t.Fatalf("expected two publishings, got %d", len(publisher.sent))
	}
}

func TestPublishFailureIsCounted(t *testing.T) {
	publisher := &fakePublisher{fail: errors.New("channel closed")}
	metrics := &logging.Metrics{}
	n := New(publisher, Config{
		Metrics: telemetry.WrapMetrics(metrics),
		Logger:  telemetry.LoggerFunc(func(string, ...any) {}),
	})
	n.Notify(spawn(t), geom.Uniform(2))
	n.Close()
	if metrics.Snapshot()[metricKeyFailed] != 1 {
		t.Fatalf("expected failed publish to be counted")
	}
}

func TestNotifyAfterCloseIsIgnored(t *testing.T) {
	publisher := &fakePublisher{}
	n := New(publisher, Config{})
	n.Close()
	n.Notify(spawn(t), geom.Uniform(2))
	if err := n.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(publisher.sent) != 0 {
		t.Fatalf("nothing should be published after close")
	}
}
