// Package telemetry publishes per-query stats to Kafka for external
// capture. Publishing never blocks the request path; events are dropped
// when the queue is full.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

type Event struct {
	SessionID    string             `json:"sessionId,omitempty"`
	Key          string             `json:"key"`
	ZoomBucket   int                `json:"zoomBucket"`
	CacheHit     bool               `json:"cacheHit"`
	QueryMs      map[string]float64 `json:"queryMs"`
	DecodeErrors map[string]int     `json:"decodeErrors,omitempty"`
	LodMs        float64            `json:"lodMs"`
	BudgetMs     float64            `json:"budgetMs"`
	TotalMs      float64            `json:"totalMs"`
	Tiles        int                `json:"tiles"`
	TS           time.Time          `json:"ts"`
}

type Publisher struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create async producer: %w", err)
	}
	return newPublisher(prod, topic, queueSize, log), nil
}

func newPublisher(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		log:     log.With("component", "telemetry"),
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("marshal stats event", "err", err)
				continue
			}
			msg := &sarama.ProducerMessage{
				Topic: p.topic,
				Value: sarama.ByteEncoder(b),
			}
			if ev.SessionID != "" {
				msg.Key = sarama.StringEncoder(ev.SessionID)
			}
			p.prod.Input() <- msg
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("producer error", "err", err)
			}
		}
	}()

	return p
}

func (p *Publisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}

// PublishStats adapts Publish to the pipeline's stats hook.
func (p *Publisher) PublishStats(_ context.Context, sessionID, key string, s model.Stats) {
	p.Publish(Event{
		SessionID:    sessionID,
		Key:          key,
		ZoomBucket:   int(s.ZoomBucket),
		CacheHit:     s.CacheHit,
		QueryMs:      s.QueryMs,
		DecodeErrors: s.DecodeErrors,
		LodMs:        s.LodMs,
		BudgetMs:     s.BudgetMs,
		TotalMs:      s.TotalMs,
		Tiles:        len(s.TileCoverageUsed),
		TS:           time.Now().UTC(),
	})
}

// Dropped counts events discarded because the queue was full.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Close drains queued events and closes the producer. Safe to call twice.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	<-p.stopped
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("telemetry: close producer: %w", err)
	}
	return nil
}
