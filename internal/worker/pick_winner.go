package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/broadcast-engine/internal/abtest"
	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/taskqueue"
)

// PickWinnerHandler chooses the winning variant of an A/B broadcast once
// the test period is over. Final sample sends read the stored winner.
type PickWinnerHandler struct {
	broadcasts BroadcastRepository
	metric     abtest.Metric
}

func NewPickWinnerHandler(broadcasts BroadcastRepository, metric abtest.Metric) *PickWinnerHandler {
	if metric == "" {
		metric = abtest.MetricOpenRate
	}
	return &PickWinnerHandler{broadcasts: broadcasts, metric: metric}
}

func (h *PickWinnerHandler) Handle(ctx context.Context, t *taskqueue.Task) error {
	var p PickWinnerPayload
	if err := t.Decode(&p); err != nil {
		return fmt.Errorf("%w: %v", taskqueue.ErrPermanent, err)
	}
	winner, err := h.Pick(ctx, p.BroadcastID)
	if errors.Is(err, ErrPrerequisite) {
		logger.Info("winner selection skipped", "broadcast_id", p.BroadcastID, "reason", err.Error())
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("winning variant selected", "broadcast_id", p.BroadcastID, "variant_id", winner)
	return nil
}

// Pick stores and returns the winning variant. A winner that is already
// stored is returned unchanged.
func (h *PickWinnerHandler) Pick(ctx context.Context, broadcastID string) (string, error) {
	b, err := h.broadcasts.GetBroadcast(ctx, broadcastID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("broadcast %s: %w", broadcastID, ErrPrerequisite)
	}
	if err != nil {
		return "", fmt.Errorf("load broadcast: %w", err)
	}
	if !b.IsABTest {
		return "", fmt.Errorf("broadcast %s is not an A/B test: %w", b.ID, ErrPrerequisite)
	}
	if b.WinningVariantID != nil && *b.WinningVariantID != "" {
		return *b.WinningVariantID, nil
	}
	if !b.AcceptsSends() {
		return "", fmt.Errorf("broadcast %s is %s: %w", b.ID, b.Status, ErrPrerequisite)
	}

	stats, err := h.broadcasts.VariantStats(ctx, b.ID)
	if err != nil {
		return "", fmt.Errorf("variant stats: %w", err)
	}
	winner := abtest.PickWinner(stats, h.metric)
	if winner == "" {
		return "", fmt.Errorf("broadcast %s has no variants: %w", b.ID, ErrPrerequisite)
	}
	if err := h.broadcasts.SetWinningVariant(ctx, b.ID, winner); err != nil {
		return "", fmt.Errorf("store winner: %w", err)
	}
	return winner, nil
}
