package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	DeviceID string
	// MaxRetries is the retry count at which an action is dropped unsent.
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{MaxRetries: 5}
}

type Reconciler struct {
	store     Store
	transport Transport
	cfg       Config
	now       func() time.Time

	mu sync.Mutex // One drain at a time
}

func NewReconciler(store Store, transport Transport, cfg Config) *Reconciler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}

	return &Reconciler{
		store:     store,
		transport: transport,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Enqueue records an action the user just performed.
func (r *Reconciler) Enqueue(ctx context.Context, t ActionType, payload any) (Action, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Action{}, fmt.Errorf("error encoding %s payload: %w", t, err)
	}
	if err := validatePayload(t, raw); err != nil {
		return Action{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Action{}, fmt.Errorf("error generating action id: %w", err)
	}
	a := Action{
		ID:        id.String(),
		Type:      t,
		Payload:   raw,
		Timestamp: r.now().UTC(),
		DeviceID:  r.cfg.DeviceID,
	}
	if err := r.store.Put(a); err != nil {
		return Action{}, fmt.Errorf("error queueing %s: %w", t, err)
	}

	slog.DebugContext(ctx, "queued outbox action", "id", a.ID, "type", a.Type)
	return a, nil
}

type DrainResult struct {
	Dequeued int `json:"dequeued"`
	Failed   int `json:"failed"`
	Dropped  int `json:"dropped"`
}

// Drain replays every queued action once. Chapter reads go in batches and
// everything else is sent one at a time in timestamp order. Accepted and
// already-applied actions leave the outbox. Any other failure bumps the
// retry count of that action alone and the pass carries on. Only losing the
// server or the session ends the pass early, leaving the rest queued and
// untouched for the next one.
func (r *Reconciler) Drain(ctx context.Context) (DrainResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res DrainResult

	pending, err := r.store.List()
	if err != nil {
		return res, err
	}
	sortActions(pending)

	var (
		reads      []Action
		sequential []Action
		dropped    []string
	)
	for _, a := range pending {
		switch {
		case a.RetryCount >= r.cfg.MaxRetries:
			slog.WarnContext(ctx, "dropping outbox action past its retry limit",
				"id", a.ID,
				"type", a.Type,
				"retry_count", a.RetryCount,
			)
			dropped = append(dropped, a.ID)
		case a.Type == ChapterRead:
			reads = append(reads, a)
		default:
			sequential = append(sequential, a)
		}
	}
	if len(dropped) > 0 {
		if err := r.store.Delete(dropped...); err != nil {
			return res, fmt.Errorf("error dropping actions: %w", err)
		}
		res.Dropped = len(dropped)
	}

	if len(reads) > 0 {
		if err := r.drainReads(ctx, reads, &res); err != nil {
			return res, err
		}
	}

	for _, a := range sequential {
		if err := r.replay(ctx, a, &res); err != nil {
			return res, err
		}
	}

	slog.InfoContext(ctx, "drained outbox",
		"dequeued", res.Dequeued,
		"failed", res.Failed,
		"dropped", res.Dropped,
	)
	return res, nil
}

func (r *Reconciler) drainReads(ctx context.Context, reads []Action, res *DrainResult) error {
	accepted, sendErr := r.transport.SendChapterReads(ctx, reads)
	if sendErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	stop := stopsPass(sendErr)
	if sendErr != nil && !stop {
		slog.WarnContext(ctx, "chapter reads rejected", "count", len(reads), "err", sendErr)
	}

	var ok, failed []string
	for _, a := range reads {
		switch {
		case accepted[a.ID]:
			ok = append(ok, a.ID)
		case !stop:
			failed = append(failed, a.ID)
		}
	}

	if err := r.store.Delete(ok...); err != nil {
		return fmt.Errorf("error dequeueing chapter reads: %w", err)
	}
	if err := r.store.IncrementRetry(failed...); err != nil {
		return fmt.Errorf("error recording chapter read failures: %w", err)
	}
	res.Dequeued += len(ok)
	res.Failed += len(failed)

	if stop {
		return fmt.Errorf("error replaying chapter reads: %w", sendErr)
	}
	return nil
}

func (r *Reconciler) replay(ctx context.Context, a Action, res *DrainResult) error {
	err := r.transport.Send(ctx, a)
	switch {
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err == nil, errors.Is(err, ErrAlreadyApplied):
		if err := r.store.Delete(a.ID); err != nil {
			return fmt.Errorf("error dequeueing %s: %w", a.ID, err)
		}
		res.Dequeued++
	case stopsPass(err):
		return fmt.Errorf("error replaying %s %s: %w", a.Type, a.ID, err)
	default:
		slog.WarnContext(ctx, "outbox action failed", "id", a.ID, "type", a.Type, "err", err)
		if err := r.store.IncrementRetry(a.ID); err != nil {
			return fmt.Errorf("error recording failure of %s: %w", a.ID, err)
		}
		res.Failed++
	}

	return nil
}

// Pending lists what is still queued.
func (r *Reconciler) Pending() ([]Action, error) {
	return r.store.List()
}
