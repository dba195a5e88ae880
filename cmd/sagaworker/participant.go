package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/dispatch"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/statemachine"
)

// reserveInventoryStep is a worked-example participant for the
// "widget_order" saga: it fires on SagaStarted, "reserves" stock for the
// order and emits the bytes a downstream chargePaymentStep depends on.
// A real host would call an inventory service here instead of only logging.
type reserveInventoryStep struct {
	log *slog.Logger
}

func (s *reserveInventoryStep) StepName() string   { return "reserve_inventory" }
func (s *reserveInventoryStep) SagaTypes() []string { return []string{"widget_order"} }
func (s *reserveInventoryStep) DependsOn() statemachine.DependencySpec {
	return statemachine.DependencySpec{Kind: statemachine.OnSagaStart}
}
func (s *reserveInventoryStep) RetryPolicy() statemachine.RetryPolicy {
	return statemachine.RetryPolicy{MaxAttempts: 3, InitialDelayMillis: 200, MaxDelayMillis: 5000, BackoffMultiplier: 2.0}
}

type orderPayload struct {
	CustomerID string `json:"customer_id"`
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
}

func (s *reserveInventoryStep) ExecuteStep(ctx context.Context, sagaCtx events.SagaContext, input []byte) dispatch.StepOutcome {
	var order orderPayload
	if err := json.Unmarshal(input, &order); err != nil {
		return dispatch.StepOutcome{Result: statemachine.StepTerminalError, Reason: fmt.Sprintf("bad order payload: %v", err)}
	}

	s.log.InfoContext(ctx, "reserving inventory", "saga_id", sagaCtx.SagaID, "sku", order.SKU, "quantity", order.Quantity)

	output, err := json.Marshal(map[string]any{"sku": order.SKU, "reserved": order.Quantity})
	if err != nil {
		return dispatch.StepOutcome{Result: statemachine.StepTerminalError, Reason: err.Error()}
	}
	compensation, err := json.Marshal(map[string]any{"sku": order.SKU, "release": order.Quantity})
	if err != nil {
		return dispatch.StepOutcome{Result: statemachine.StepTerminalError, Reason: err.Error()}
	}

	return dispatch.StepOutcome{Result: statemachine.StepCompletedResult, Output: output, CompensationData: compensation}
}

func (s *reserveInventoryStep) CompensateStep(ctx context.Context, sagaCtx events.SagaContext, compensationData []byte) dispatch.CompensateOutcome {
	var release map[string]any
	if err := json.Unmarshal(compensationData, &release); err != nil {
		return dispatch.CompensateOutcome{Result: statemachine.CompensateAmbiguous, Reason: err.Error()}
	}
	s.log.InfoContext(ctx, "releasing reserved inventory", "saga_id", sagaCtx.SagaID, "release", release)
	return dispatch.CompensateOutcome{Result: statemachine.CompensateOk}
}

// chargePaymentStep fires once reserve_inventory has completed. It always
// completes; reserve_inventory compensates only when a CompensationRequested
// event arrives, and no participant in this process publishes one.
type chargePaymentStep struct {
	log *slog.Logger
}

func (s *chargePaymentStep) StepName() string   { return "charge_payment" }
func (s *chargePaymentStep) SagaTypes() []string { return []string{"widget_order"} }
func (s *chargePaymentStep) DependsOn() statemachine.DependencySpec {
	return statemachine.DependencySpec{Kind: statemachine.After, Steps: []string{"reserve_inventory"}}
}
func (s *chargePaymentStep) RetryPolicy() statemachine.RetryPolicy {
	return statemachine.RetryPolicy{MaxAttempts: 2, InitialDelayMillis: 300, MaxDelayMillis: 3000, BackoffMultiplier: 2.0}
}

func (s *chargePaymentStep) ExecuteStep(ctx context.Context, sagaCtx events.SagaContext, input []byte) dispatch.StepOutcome {
	s.log.InfoContext(ctx, "charging payment", "saga_id", sagaCtx.SagaID)
	output, err := json.Marshal(map[string]any{"charged": true})
	if err != nil {
		return dispatch.StepOutcome{Result: statemachine.StepTerminalError, Reason: err.Error()}
	}
	return dispatch.StepOutcome{Result: statemachine.StepCompletedResult, Output: output}
}

func (s *chargePaymentStep) CompensateStep(ctx context.Context, sagaCtx events.SagaContext, compensationData []byte) dispatch.CompensateOutcome {
	s.log.InfoContext(ctx, "refunding payment", "saga_id", sagaCtx.SagaID)
	return dispatch.CompensateOutcome{Result: statemachine.CompensateOk}
}
