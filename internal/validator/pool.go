package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/broker"
	"github.com/corvid-bio/magpie/internal/config"
	"github.com/corvid-bio/magpie/internal/events"
	"github.com/corvid-bio/magpie/internal/health"
)

// ErrRetriesExhausted stops the pool when one artifact hits the retry
// ceiling. Repeated unrecoverable failure of a single artifact is taken
// as a systemic symptom: the pool fails fast and the supervisor decides.
var ErrRetriesExhausted = errors.New("validator: retry ceiling reached, pool halted")

// Executor runs one validation job.
type Executor interface {
	Execute(ctx context.Context, payload *events.ValidationPayload) (Verdict, error)
}

// acknowledger is the slice of a broker delivery the continuation needs.
type acknowledger interface {
	Ack() error
	Nack() error
}

// outcome travels from a worker back to the coordinating loop.
type outcome struct {
	payload  *events.ValidationPayload
	delivery acknowledger
	verdict  Verdict
	fault    error
}

// Orchestrator owns the worker pool. Deliveries are dispatched to at most
// Workers concurrent jobs; every outcome is applied by the single
// coordinating loop in Run, so ack/nack bookkeeping needs no locking. The
// retry counters get a mutex anyway: the health endpoint may read them.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	job      Executor
	reporter *Reporter
	signal   *health.Signal
	log      *zap.Logger

	mu      sync.Mutex
	retries map[string]int

	slots   chan struct{}
	results chan outcome
}

// NewOrchestrator builds a pool around a job executor.
func NewOrchestrator(cfg config.OrchestratorConfig, job Executor, reporter *Reporter, signal *health.Signal, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		job:      job,
		reporter: reporter,
		signal:   signal,
		log:      log,
		retries:  make(map[string]int),
		slots:    make(chan struct{}, cfg.Workers),
		results:  make(chan outcome),
	}
}

// Attempts returns the retry count recorded for a payload uuid.
func (o *Orchestrator) Attempts(uuid string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retries[uuid]
}

func (o *Orchestrator) bump(uuid string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries[uuid]++
	return o.retries[uuid]
}

func (o *Orchestrator) forget(uuid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.retries, uuid)
}

// Run consumes deliveries until the context is cancelled, the delivery
// channel closes, or the pool halts. Dispatch blocks when all worker
// slots are busy, which with prefetch bounded to the pool size keeps the
// number of unacknowledged messages bounded too.
func (o *Orchestrator) Run(ctx context.Context, deliveries <-chan broker.Delivery) error {
	inFlight := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, open := <-deliveries:
			if !open {
				if inFlight == 0 {
					return nil
				}
				deliveries = nil
				continue
			}
			if o.dispatch(ctx, d) {
				inFlight++
			}

		case out := <-o.results:
			inFlight--
			if err := o.apply(ctx, out); err != nil {
				o.signal.Halt()
				return err
			}
			if deliveries == nil && inFlight == 0 {
				return nil
			}
		}
	}
}

// dispatch decodes a delivery and hands it to a worker slot. Undecodable
// payloads are acknowledged and dropped: redelivery cannot fix them.
func (o *Orchestrator) dispatch(ctx context.Context, d broker.Delivery) bool {
	var payload events.ValidationPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		o.log.Error("undecodable validation payload dropped", zap.Error(err))
		if err := d.Ack(); err != nil {
			o.log.Warn("ack of dropped payload failed", zap.Error(err))
		}
		return false
	}

	attempt := o.bump(payload.UUID)
	o.log.Info("validation dispatched",
		zap.String("uuid", payload.UUID),
		zap.String("artifact", payload.Artifact),
		zap.Int("attempt", attempt))

	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	go func() {
		defer func() { <-o.slots }()
		out := outcome{payload: &payload, delivery: d}
		out.verdict, out.fault = o.job.Execute(ctx, &payload)
		select {
		case o.results <- out:
		case <-ctx.Done():
		}
	}()
	return true
}

// apply is the continuation for one finished job; it runs on the
// coordinating loop only. A non-nil return halts the pool.
func (o *Orchestrator) apply(ctx context.Context, out outcome) error {
	payload := out.payload

	if out.fault != nil {
		// Worker fault, not a validation verdict: more severe than any
		// business failure. Alert, halt, leave the message unacked so a
		// healthy process sees it again.
		o.log.Error("validation worker fault",
			zap.String("uuid", payload.UUID),
			zap.Error(out.fault))
		if err := o.reporter.Alert(ctx, payload.Project,
			fmt.Sprintf("validation worker fault for %s: %v", payload.UUID, out.fault)); err != nil {
			o.log.Error("worker-fault alert publish failed", zap.Error(err))
		}
		o.signal.Halt()
		return fmt.Errorf("validator: worker fault on %s: %w", payload.UUID, out.fault)
	}

	if out.verdict.Skip {
		o.forget(payload.UUID)
		return o.ack(out.delivery, payload.UUID)
	}

	if out.verdict.Success {
		if err := o.reporter.Result(ctx, payload, true); err != nil {
			return err
		}
		if !payload.TestFlag {
			if err := o.reporter.NewArtifact(ctx, payload); err != nil {
				return err
			}
		}
		o.forget(payload.UUID)
		o.log.Info("validation succeeded",
			zap.String("uuid", payload.UUID),
			zap.String("artifact", payload.Artifact))
		return o.ack(out.delivery, payload.UUID)
	}

	if payload.Rerun {
		attempts := o.Attempts(payload.UUID)
		if attempts < o.cfg.RetryCeiling {
			o.log.Warn("validation will be retried",
				zap.String("uuid", payload.UUID),
				zap.Int("attempt", attempts),
				zap.Int("ceiling", o.cfg.RetryCeiling))
			retriesTotal.Inc()
			if err := out.delivery.Nack(); err != nil {
				return fmt.Errorf("validator: nack %s: %w", payload.UUID, err)
			}
			return nil
		}

		// Ceiling reached: dead-letter, report, ack so the broker stops
		// redelivering, then fail the pool.
		o.log.Error("validation retries exhausted",
			zap.String("uuid", payload.UUID),
			zap.String("artifact", payload.Artifact),
			zap.Int("attempts", attempts))
		if err := o.reporter.DeadLetter(ctx, payload, attempts); err != nil {
			o.log.Error("dead letter publish failed", zap.Error(err))
		}
		if err := o.reporter.Result(ctx, payload, false); err != nil {
			o.log.Error("terminal result publish failed", zap.Error(err))
		}
		if err := o.ack(out.delivery, payload.UUID); err != nil {
			o.log.Error("terminal ack failed", zap.Error(err))
		}
		o.signal.Halt()
		return ErrRetriesExhausted
	}

	// Terminal but not retryable: the input was judged, not the
	// infrastructure.
	if err := o.reporter.Result(ctx, payload, false); err != nil {
		return err
	}
	o.forget(payload.UUID)
	o.log.Info("validation rejected artifact",
		zap.String("uuid", payload.UUID),
		zap.String("artifact", payload.Artifact),
		zap.Strings("errors", payload.IngestErrors))
	return o.ack(out.delivery, payload.UUID)
}

func (o *Orchestrator) ack(d acknowledger, uuid string) error {
	if err := d.Ack(); err != nil {
		return fmt.Errorf("validator: ack %s: %w", uuid, err)
	}
	return nil
}
