package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaEmitter ships audit and notification events to two Kafka topics
// through a buffered queue. If the queue is full the event is dropped
// and counted; emission must never stall a booking transition.
type KafkaEmitter struct {
	auditWriter  *kafka.Writer
	notifyWriter *kafka.Writer
	logger       *slog.Logger
	queue        chan envelope
	done         chan struct{}
}

type envelope struct {
	key    []byte
	value  []byte
	notify bool
}

func NewKafkaEmitter(brokers []string, auditTopic, notifyTopic string, logger *slog.Logger) *KafkaEmitter {
	e := &KafkaEmitter{
		auditWriter:  &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: auditTopic, Balancer: &kafka.Hash{}},
		notifyWriter: &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: notifyTopic, Balancer: &kafka.Hash{}},
		logger:       logger,
		queue:        make(chan envelope, 1024),
		done:         make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *KafkaEmitter) Audit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("audit marshal failed", "error", err)
		return
	}
	e.enqueue(envelope{key: []byte(ev.EntityID), value: b})
}

func (e *KafkaEmitter) Notify(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	b, err := json.Marshal(n)
	if err != nil {
		e.logger.Error("notification marshal failed", "error", err)
		return
	}
	e.enqueue(envelope{key: []byte(n.UserID), value: b, notify: true})
}

func (e *KafkaEmitter) enqueue(env envelope) {
	select {
	case e.queue <- env:
	default:
		e.logger.Warn("audit queue full, event dropped")
	}
}

func (e *KafkaEmitter) loop() {
	defer close(e.done)
	for env := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		w := e.auditWriter
		if env.notify {
			w = e.notifyWriter
		}
		if err := w.WriteMessages(ctx, kafka.Message{Key: env.key, Value: env.value}); err != nil {
			e.logger.Warn("audit emit failed", "error", err)
		}
		cancel()
	}
}

// Close drains the queue and closes the writers.
func (e *KafkaEmitter) Close() error {
	close(e.queue)
	<-e.done
	if err := e.auditWriter.Close(); err != nil {
		return err
	}
	return e.notifyWriter.Close()
}
