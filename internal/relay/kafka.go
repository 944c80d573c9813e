package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Kafka implements Relay on a shared topic. Every coordinator reads the
// topic from the beginning and filters client-side, which gives exactly
// the semantics the core is built for: at-least-once, unordered within
// partitions we don't control, full historical replay on resubscribe.
type Kafka struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func NewKafka(brokers []string, topic string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Kafka{brokers: brokers, topic: topic, writer: w, logger: logger, subs: make(map[string]context.CancelFunc)}
}

func (k *Kafka) Publish(ctx context.Context, e Event) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(wctx, kafka.Message{Key: []byte(e.Kind), Value: b}); err != nil {
		return "", err
	}
	return e.ID, nil
}

func (k *Kafka) Subscribe(ctx context.Context, f Filter, h Handler) (string, error) {
	id := uuid.NewString()
	subCtx, cancel := context.WithCancel(ctx)

	k.mu.Lock()
	k.subs[id] = cancel
	k.mu.Unlock()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       k.topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	go k.consume(subCtx, r, f, h)
	return id, nil
}

func (k *Kafka) consume(ctx context.Context, r *kafka.Reader, f Filter, h Handler) {
	defer r.Close()

	eosSent := false
	delivered := 0
	for {
		// A short deadline doubles as the end-of-stored signal: once the
		// reader goes quiet after startup, the backlog has been drained.
		fetchCtx := ctx
		var cancel context.CancelFunc
		if !eosSent {
			fetchCtx, cancel = context.WithTimeout(ctx, 2*time.Second)
		}
		m, err := r.ReadMessage(fetchCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !eosSent {
				eosSent = true
				if h.OnEndOfStored != nil {
					h.OnEndOfStored()
				}
				continue
			}
			k.logger.Warn("relay read error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		var e Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			k.logger.Warn("relay message not an event", "error", err)
			continue
		}
		if !f.Matches(e) {
			continue
		}
		h.OnEvent(e)
		delivered++
		if !eosSent && f.Limit > 0 && delivered >= f.Limit {
			eosSent = true
			if h.OnEndOfStored != nil {
				h.OnEndOfStored()
			}
		}
	}
}

func (k *Kafka) CloseSubscription(id string) {
	k.mu.Lock()
	cancel, ok := k.subs[id]
	delete(k.subs, id)
	k.mu.Unlock()
	if ok {
		cancel()
	}
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	for id, cancel := range k.subs {
		cancel()
		delete(k.subs, id)
	}
	k.mu.Unlock()
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
