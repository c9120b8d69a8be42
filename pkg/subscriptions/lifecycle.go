package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.opentelemetry.io/otel/codes"

	"github.com/getmockd/subtransport/pkg/metrics"
)

// handleStart processes a subscription_start message. Every path ends in
// exactly one subscription_success or subscription_fail frame.
func (e *Engine) handleStart(ctx context.Context, conn *connection, msg *Message) {
	id := msg.ID

	if e.opts.RequireInit && conn.State() != StateAccepted {
		e.sendFail(ctx, conn.id, id, ErrNotInitialized.Error())
		return
	}

	params, err := e.buildParams(ctx, conn.id, msg)
	if err != nil {
		e.sendFail(ctx, conn.id, id, err.Error())
		return
	}

	if e.opts.OnSubscribe != nil {
		params, err = e.opts.OnSubscribe(ctx, msg, params)
		if err != nil {
			e.sendFail(ctx, conn.id, id, err.Error())
			return
		}
	}
	if params == nil {
		e.sendFail(ctx, conn.id, id, ErrParamsNotObject.Error())
		return
	}

	key := ScopedKey{ConnID: conn.id, SubID: id.Key()}

	// at most one active handle per scoped key
	if e.teardown(ctx, key) {
		e.log.Debug("replacing subscription", "conn", conn.id, "id", id.String())
	}

	gen := e.table.Reserve(key)
	params.Callback = e.resultCallback(context.WithoutCancel(ctx), key, gen, id)

	handle, err := e.subscribe(ctx, params)
	if err != nil {
		e.table.Release(key, gen)
		e.metrics.BackendError(metrics.PhaseSubscribe)
		e.log.Warn("backend subscribe failed", "conn", conn.id, "id", id.String(), "error", err)
		if list, ok := graphQLErrors(err); ok {
			e.sendFail(ctx, conn.id, id, errorText(list))
			return
		}
		e.sendFail(ctx, conn.id, id, err.Error())
		return
	}

	if !e.table.Install(key, gen, handle) {
		e.backend.Unsubscribe(handle)
		e.sendFail(ctx, conn.id, id, ErrSubscriptionClosed.Error())
		return
	}
	e.metrics.SubscriptionsChanged(1)

	frame, encErr := EncodeSubscriptionSuccess(id)
	e.send(ctx, conn.id, TypeSubscriptionSuccess, frame, encErr)
}

// handleEnd processes a subscription_end message. Ending an unknown id is a
// silent no-op.
func (e *Engine) handleEnd(ctx context.Context, conn *connection, msg *Message) {
	key := ScopedKey{ConnID: conn.id, SubID: msg.ID.Key()}
	if e.teardown(ctx, key) {
		e.log.Debug("subscription ended", "conn", conn.id, "id", msg.ID.String())
	}
}

// buildParams assembles the base parameter set of a start message.
func (e *Engine) buildParams(ctx context.Context, connID string, msg *Message) (*Params, error) {
	if msg.Query == nil {
		return nil, fmt.Errorf("%w: query", ErrMissingField)
	}
	var query string
	if err := json.Unmarshal(msg.Query, &query); err != nil {
		return nil, fmt.Errorf("query must be a string: %w", err)
	}

	if msg.Variables == nil {
		return nil, fmt.Errorf("%w: variables", ErrMissingField)
	}
	var variables map[string]any
	if err := json.Unmarshal(msg.Variables, &variables); err != nil {
		return nil, fmt.Errorf("variables must be an object: %w", err)
	}

	rawName := msg.OperationName
	if rawName == nil {
		rawName = msg.LegacyOperationName
	}
	var operationName string
	if rawName != nil {
		if err := json.Unmarshal(rawName, &operationName); err != nil {
			return nil, fmt.Errorf("operationName must be a string: %w", err)
		}
	}

	var subCtx any = map[string]any{}
	if e.opts.ParseContext != nil {
		c, err := e.opts.ParseContext(ctx, connID)
		if err != nil {
			return nil, fmt.Errorf("parse context: %w", err)
		}
		subCtx = c
	}

	return &Params{
		Query:         query,
		Variables:     variables,
		OperationName: operationName,
		Context:       subCtx,
	}, nil
}

// subscribe calls the backend inside a span.
func (e *Engine) subscribe(ctx context.Context, p *Params) (Handle, error) {
	ctx, span := e.tracer.Start(ctx, "subtransport.backend.subscribe")
	defer span.End()

	h, err := e.backend.Subscribe(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return h, err
}

// resultCallback returns the callback attached to a subscription. Results are
// routed to the connection that started it, even if they arrive outside the
// message that created it.
func (e *Engine) resultCallback(ctx context.Context, key ScopedKey, gen uint64, id ID) Callback {
	room := key.ConnID

	return func(data any, err error) {
		if !e.opts.DeliverStalePushes && !e.table.Live(key, gen) {
			e.log.Debug("dropping result for retired subscription", "conn", room, "id", id.String())
			return
		}

		if err == nil {
			e.sendData(ctx, room, id, data, nil)
			return
		}

		if list, ok := graphQLErrors(err); ok {
			e.sendData(ctx, room, id, nil, list)
			return
		}

		e.metrics.BackendError(metrics.PhaseCallback)
		e.sendFail(ctx, room, id, err.Error())
	}
}

func (e *Engine) sendData(ctx context.Context, room string, id ID, data any, errs gqlerror.List) {
	frame, err := EncodeSubscriptionData(id, data, errs, room)
	e.send(ctx, room, TypeSubscriptionData, frame, err)
}

// teardown removes the entry for key, unsubscribes its handle and runs the
// OnUnsubscribe hook. It reports whether an entry existed.
func (e *Engine) teardown(ctx context.Context, key ScopedKey) bool {
	handle, ok := e.table.Remove(key)
	if !ok {
		return false
	}
	e.unsubscribe(ctx, key, handle)
	return true
}

// teardownAll removes every entry of connID and returns how many there were.
func (e *Engine) teardownAll(ctx context.Context, connID string) int {
	removed := e.table.RemoveAll(connID)
	for key, handle := range removed {
		e.unsubscribe(ctx, key, handle)
	}
	return len(removed)
}

func (e *Engine) unsubscribe(ctx context.Context, key ScopedKey, handle Handle) {
	e.backend.Unsubscribe(handle)
	e.metrics.SubscriptionsChanged(-1)
	if e.opts.OnUnsubscribe != nil {
		e.opts.OnUnsubscribe(ctx, key.ConnID, key.SubID)
	}
}
