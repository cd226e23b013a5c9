package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-entitlements/platform/go/audit"
)

// ErrDeadLettersDisabled is returned by the operator calls when no dead-letter store is wired.
var ErrDeadLettersDisabled = errors.New("dead-letter store not configured")

// ListDeadLetters returns stored rejections, most recently attempted first.
func (s *Service) ListDeadLetters(ctx context.Context, limit, offset int) ([]DeadLetter, error) {
	if s.deadLetters == nil {
		return nil, ErrDeadLettersDisabled
	}
	items, err := s.deadLetters.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return items, nil
}

// Replay feeds a dead letter back through Ingest. The letter is removed once the event is
// applied or found to be a duplicate; another rejection refreshes it instead.
func (s *Service) Replay(ctx context.Context, id uuid.UUID) (Result, error) {
	if s.deadLetters == nil {
		return Result{}, ErrDeadLettersDisabled
	}

	dl, err := s.deadLetters.Get(ctx, id)
	switch {
	case errors.Is(err, ErrDeadLetterNotFound):
		return Result{}, err
	case err != nil:
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var p Payload
	if err := json.Unmarshal(dl.Payload, &p); err != nil {
		return Result{}, fmt.Errorf("dead letter %s has an unreadable payload: %w", id, err)
	}
	ev, err := p.Event()
	if err != nil {
		return Result{}, fmt.Errorf("dead letter %s has an invalid payload: %w", id, err)
	}

	s.audit.Emit(ctx, audit.Event{
		Type:    audit.EventReplay,
		Subject: dl.EventID,
		Reason:  string(dl.Reason),
		Detail:  map[string]any{"deadLetterId": id.String(), "source": dl.Source, "attempts": dl.Attempts},
	})

	res, err := s.Ingest(ctx, Delivery{Source: dl.Source, Event: ev, Payload: dl.Payload})
	if err != nil {
		return Result{}, err
	}
	if res.Accepted() {
		if err := s.deadLetters.Delete(ctx, id); err != nil && !errors.Is(err, ErrDeadLetterNotFound) {
			s.logger.Warn("replayed dead letter not deleted", zap.String("dead_letter_id", id.String()), zap.Error(err))
		}
	}
	return res, nil
}

// Prune removes dedup markers that expired before now.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	return s.PruneBefore(ctx, s.now())
}

// PruneBefore removes dedup markers that expired before cutoff.
func (s *Service) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.dedup.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	s.logger.Info("pruned processed events", zap.Int64("removed", n), zap.Time("cutoff", cutoff))
	return n, nil
}
