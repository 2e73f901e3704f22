package testorder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/labforge/labmesh/internal/inbox"
	"github.com/labforge/labmesh/internal/monitoring"
	"github.com/labforge/labmesh/internal/outbox"
	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

const aggregateRun = "test-run"

// Service dispatches analysis work and closes runs as per-sample results come
// back. All result consumption goes through the inbox, so a redelivered
// sample result cannot double-count toward the completion decision. That is
// what makes this state machine safe on an at-least-once bus.
type Service struct {
	Store  Store
	Outbox outbox.Store
	Log    *slog.Logger
}

// DispatchAnalysis creates the run and stages one analysis request per
// sample in a single transaction.
func (s *Service) DispatchAnalysis(ctx context.Context, instrumentID string, sampleIDs []string) (Run, error) {
	var run Run
	err := s.Outbox.InTx(ctx, func(ctx context.Context, q db.Querier) error {
		created, err := s.dispatch(ctx, q, instrumentID, sampleIDs)
		if err != nil {
			return err
		}
		run = created
		return nil
	})
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// dispatch does the actual work on the caller's unit of work so the inbox
// handler for order-created events can reuse it without nesting transactions.
func (s *Service) dispatch(ctx context.Context, q db.Querier, instrumentID string, sampleIDs []string) (Run, error) {
	if len(sampleIDs) == 0 {
		return Run{}, fmt.Errorf("no samples to dispatch")
	}

	run, err := s.Store.CreateRun(ctx, q, Run{
		ID:              uuid.NewString(),
		InstrumentID:    instrumentID,
		ExpectedSamples: len(sampleIDs),
	})
	if err != nil {
		return Run{}, err
	}

	for _, sampleID := range sampleIDs {
		payload, err := events.Marshal(analysisItem{RunID: run.ID, SampleID: sampleID})
		if err != nil {
			return Run{}, err
		}
		if _, err := s.Outbox.Enqueue(ctx, q, aggregateRun, run.ID, events.TypeAnalysisRequest, payload); err != nil {
			return Run{}, err
		}
	}
	if err := monitoring.Emit(ctx, q, s.Outbox, aggregateRun, run.ID, "analysis_dispatched"); err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *Service) RegisterHandlers(c *inbox.Consumer) {
	c.Register(events.TypeTestOrderCreated, s.handleOrderCreated)
	c.Register(events.TypeAnalysisResponse, s.handleAnalysisResult)
}

// handleOrderCreated turns a new order into a run. Dedup by event id means a
// redelivered order event cannot spawn a second run.
func (s *Service) handleOrderCreated(ctx context.Context, q db.Querier, env events.Envelope) error {
	var order struct {
		InstrumentID string   `json:"instrument_id"`
		SampleIDs    []string `json:"sample_ids"`
	}
	if err := events.Item(env.Payload, 0, &order); err != nil {
		return fmt.Errorf("decode test order: %w", err)
	}
	_, err := s.dispatch(ctx, q, order.InstrumentID, order.SampleIDs)
	return err
}

// handleAnalysisResult consumes per-sample outcomes and recomputes the run's
// completion state. It runs inside the inbox unit of work: recording the
// result, closing the run, and staging the completion event commit together
// with the dedup row.
func (s *Service) handleAnalysisResult(ctx context.Context, q db.Querier, env events.Envelope) error {
	touched := make(map[string]struct{})

	for i := range env.Payload {
		var item analysisItem
		if err := events.Item(env.Payload, i, &item); err != nil {
			return fmt.Errorf("decode analysis item: %w", err)
		}
		if item.RunID == "" || item.SampleID == "" {
			return fmt.Errorf("analysis item missing run_id or sample_id")
		}
		if err := s.Store.RecordSampleResult(ctx, q, SampleResult{
			RunID:    item.RunID,
			SampleID: item.SampleID,
			Success:  item.Success,
		}); err != nil {
			return err
		}
		touched[item.RunID] = struct{}{}
	}

	for runID := range touched {
		if err := s.maybeClose(ctx, q, runID); err != nil {
			return err
		}
	}
	return nil
}

// maybeClose recomputes counts from the durable result rows and closes the
// run when every expected sample has reported. Tie-break: all success ->
// COMPLETED, some -> PARTIAL_COMPLETED, none -> FAILED.
func (s *Service) maybeClose(ctx context.Context, q db.Querier, runID string) error {
	run, err := s.Store.GetRun(ctx, q, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	success, fail, err := s.Store.CountResults(ctx, q, runID)
	if err != nil {
		return err
	}
	if success+fail < run.ExpectedSamples {
		return nil
	}

	var to RunStatus
	switch {
	case fail == 0:
		to = RunCompleted
	case success == 0:
		to = RunFailed
	default:
		to = RunPartialCompleted
	}

	closed, err := s.Store.CloseRun(ctx, q, runID, to)
	if err != nil {
		return err
	}
	if !closed {
		return nil
	}

	s.Log.Info("run_closed",
		slog.String("run_id", runID),
		slog.String("status", string(to)),
		slog.Int("success", success),
		slog.Int("fail", fail),
	)

	payload, err := events.Marshal(struct {
		RunID   string    `json:"run_id"`
		Status  RunStatus `json:"status"`
		Success int       `json:"success_count"`
		Fail    int       `json:"fail_count"`
	}{RunID: runID, Status: to, Success: success, Fail: fail})
	if err != nil {
		return err
	}
	_, err = s.Outbox.Enqueue(ctx, q, aggregateRun, runID, events.TypeTestOrderResultsCompleted, payload)
	return err
}
