package subscriptions

import "context"

// handleInit runs the OnInit hook and answers with init_success or init_fail.
// A repeated init re-runs the hook and replaces the previous outcome.
func (e *Engine) handleInit(ctx context.Context, conn *connection, msg *Message) {
	accepted := true
	var err error
	if e.opts.OnInit != nil {
		accepted, err = e.opts.OnInit(ctx, conn.id, msg.Payload)
	}
	if err == nil && !accepted {
		err = ErrProhibitedConnection
	}

	if err != nil {
		conn.setState(StateRejected)
		e.log.Info("connection init rejected", "conn", conn.id, "reason", err)
		frame, encErr := EncodeInitResult(err)
		e.send(ctx, conn.id, TypeInitFail, frame, encErr)
		return
	}

	conn.setState(StateAccepted)
	frame, encErr := EncodeInitResult(nil)
	e.send(ctx, conn.id, TypeInitSuccess, frame, encErr)
}
