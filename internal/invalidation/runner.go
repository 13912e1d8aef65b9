package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/viewport-lod/internal/core/observability"
)

type Resetter interface {
	Reset(ctx context.Context) error
}

type Runner struct {
	log      *slog.Logger
	cfg      Config
	target   Resetter
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
}

func New(cfg Config, target Resetter, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:    opts.Logger.With("component", "reset_runner"),
		cfg:    cfg,
		target: target,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionDedupe(1024),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info("reset runner disabled")
		return nil
	}
	if r.target == nil {
		return errors.New("reset runner: target is required")
	}
	if len(r.cfg.Brokers) == 0 || r.cfg.Topic == "" || r.cfg.GroupID == "" {
		return errors.New("reset runner: brokers, topic and group id are required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.setAssignment(sess.Claims())
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.setAssignment(nil)
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("reset runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("reset runner stopped")
}

// Readiness is true once partitions are assigned. A disabled runner is
// always ready.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.cfg.Enabled {
		return true, nil
	}
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (r *Runner) setAssignment(claims map[string][]int32) {
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	r.assign = map[int32]struct{}{}
	for _, parts := range claims {
		for _, p := range parts {
			r.assign[p] = struct{}{}
		}
	}
	r.assigned.Store(claims != nil)
}

// handleMessage skips malformed and stale events. Only a failed reset is
// returned so the message is redelivered.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev ResetEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("dropping undecodable reset event", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = msg.Timestamp
	}
	if err := ev.Validate(); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("dropping invalid reset event", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if !r.ver.shouldApply(ev.Source, ev.Version) {
		r.ms.msgs.WithLabelValues("skip_version").Inc()
		return nil
	}

	err := r.target.Reset(ctx)
	observability.IncResetEvent("kafka", err)
	r.ms.proc.Observe(time.Since(start).Seconds())
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		r.ver.forget(ev.Source, ev.Version)
		return fmt.Errorf("apply reset v%d from %s: %w", ev.Version, ev.Source, err)
	}
	r.ms.msgs.WithLabelValues("ok").Inc()
	r.log.Info("cache reset applied", "source", ev.Source, "version", ev.Version, "reason", ev.Reason)
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
