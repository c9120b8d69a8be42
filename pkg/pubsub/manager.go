package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/getmockd/subtransport/pkg/logging"
	"github.com/getmockd/subtransport/pkg/subscriptions"
)

// ErrInvalidFilter indicates a channel filter failed to compile or did not
// evaluate to a boolean.
var ErrInvalidFilter = errors.New("invalid filter")

// ChannelOptions configures how one subscription root field maps onto a
// pub/sub channel.
type ChannelOptions struct {
	// Channel overrides the channel name. Defaults to the root field name.
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`

	// Filter is an expr expression deciding per payload whether a
	// subscriber receives it. It sees payload, variables, args and context.
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Schema is optional SDL. When set, queries are validated against it.
	Schema string

	// Channels maps root field names to channel options.
	Channels map[string]ChannelOptions

	Logger *slog.Logger
}

// Manager runs GraphQL subscriptions on top of a PubSub. It implements
// subscriptions.Backend: the single root field of a subscription names the
// channel it listens to, and every published payload is delivered as
// {field: payload}.
type Manager struct {
	ps       *PubSub
	schema   *ast.Schema
	channels map[string]ChannelOptions
	log      *slog.Logger

	programMu    sync.RWMutex
	programCache map[string]*vm.Program
}

var _ subscriptions.Backend = (*Manager)(nil)

// NewManager creates a Manager. Filters are compiled up front so that a bad
// expression is reported at startup.
func NewManager(ps *PubSub, opts ManagerOptions) (*Manager, error) {
	m := &Manager{
		ps:           ps,
		channels:     opts.Channels,
		log:          logging.Component(opts.Logger, "pubsub"),
		programCache: make(map[string]*vm.Program),
	}
	if m.channels == nil {
		m.channels = make(map[string]ChannelOptions)
	}

	if opts.Schema != "" {
		schema, err := gqlparser.LoadSchema(&ast.Source{Name: "schema", Input: opts.Schema})
		if err != nil {
			return nil, fmt.Errorf("failed to parse GraphQL schema: %w", err)
		}
		m.schema = schema
	}

	for field, co := range m.channels {
		if co.Filter == "" {
			continue
		}
		if _, err := m.compileFilter(co.Filter); err != nil {
			return nil, fmt.Errorf("channel %s: %w", field, err)
		}
	}

	return m, nil
}

// PubSub returns the underlying PubSub.
func (m *Manager) PubSub() *PubSub {
	return m.ps
}

// subscription is the per-handle state of one running subscription.
type subscription struct {
	params    *subscriptions.Params
	key       string
	args      map[string]any
	filter    *vm.Program
	filterSrc string
}

// Subscribe parses the query, resolves its channel and starts listening.
// Query problems are returned as gqlerror.List.
func (m *Manager) Subscribe(_ context.Context, p *subscriptions.Params) (subscriptions.Handle, error) {
	doc, err := m.parse(p.Query)
	if err != nil {
		return nil, err
	}

	op := doc.Operations.ForName(p.OperationName)
	if op == nil {
		if p.OperationName != "" {
			return nil, gqlerror.List{gqlerror.Errorf("unknown operation named %q", p.OperationName)}
		}
		return nil, gqlerror.List{gqlerror.Errorf("must provide operation name if query contains multiple operations")}
	}
	if op.Operation != ast.Subscription && m.schema != nil {
		return nil, gqlerror.List{gqlerror.Errorf("operation %q is not a subscription", op.Name)}
	}

	field, err := rootField(op)
	if err != nil {
		return nil, err
	}

	args := make(map[string]any, len(field.Arguments))
	for _, arg := range field.Arguments {
		v, err := arg.Value.Value(p.Variables)
		if err != nil {
			return nil, gqlerror.List{gqlerror.Errorf("argument %s: %s", arg.Name, err.Error())}
		}
		args[arg.Name] = v
	}

	co := m.channels[field.Name]
	channel := co.Channel
	if channel == "" {
		channel = field.Name
	}

	sub := &subscription{
		params:    p,
		key:       responseKey(field),
		args:      args,
		filterSrc: co.Filter,
	}
	if co.Filter != "" {
		program, err := m.compileFilter(co.Filter)
		if err != nil {
			return nil, err
		}
		sub.filter = program
	}

	id := m.ps.Subscribe(channel, func(payload any) {
		m.deliver(sub, payload)
	})
	m.log.Debug("subscription started", "channel", channel, "field", field.Name, "id", id)
	return id, nil
}

// Unsubscribe stops the subscription behind h.
func (m *Manager) Unsubscribe(h subscriptions.Handle) {
	id, ok := h.(int)
	if !ok {
		return
	}
	m.ps.Unsubscribe(id)
	m.log.Debug("subscription stopped", "id", id)
}

func (m *Manager) parse(query string) (*ast.QueryDocument, error) {
	if m.schema != nil {
		doc, errs := gqlparser.LoadQuery(m.schema, query)
		if len(errs) > 0 {
			return nil, errs
		}
		return doc, nil
	}

	doc, err := parser.ParseQuery(&ast.Source{Name: "query", Input: query})
	if err != nil {
		var gqlErr *gqlerror.Error
		if errors.As(err, &gqlErr) {
			return nil, gqlerror.List{gqlErr}
		}
		return nil, gqlerror.List{gqlerror.Errorf("%s", err.Error())}
	}
	return doc, nil
}

// rootField returns the only top-level field of op.
func rootField(op *ast.OperationDefinition) (*ast.Field, error) {
	if len(op.SelectionSet) != 1 {
		return nil, gqlerror.List{gqlerror.Errorf("subscription must select only one top level field")}
	}
	field, ok := op.SelectionSet[0].(*ast.Field)
	if !ok {
		return nil, gqlerror.List{gqlerror.Errorf("subscription root must be a field")}
	}
	return field, nil
}

func responseKey(f *ast.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// deliver filters and shapes one payload for one subscription.
func (m *Manager) deliver(sub *subscription, payload any) {
	p := sub.params

	if sub.filter != nil {
		match, err := runFilter(sub.filter, map[string]any{
			"payload":   payload,
			"variables": p.Variables,
			"args":      sub.args,
			"context":   p.Context,
		})
		if err != nil {
			m.fail(p, fmt.Errorf("filter %q: %w", sub.filterSrc, err))
			return
		}
		if !match {
			return
		}
	}

	var result any = map[string]any{sub.key: payload}
	if p.FormatResponse != nil {
		result = p.FormatResponse(result)
	}
	p.Callback(result, nil)
}

func (m *Manager) fail(p *subscriptions.Params, err error) {
	if p.FormatError != nil {
		err = p.FormatError(err)
	}
	p.Callback(nil, err)
}

func runFilter(program *vm.Program, env map[string]any) (bool, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	match, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: result is %T, not bool", ErrInvalidFilter, out)
	}
	return match, nil
}

// compileFilter compiles an expression once and caches the program.
func (m *Manager) compileFilter(expression string) (*vm.Program, error) {
	m.programMu.RLock()
	if program, ok := m.programCache[expression]; ok {
		m.programMu.RUnlock()
		return program, nil
	}
	m.programMu.RUnlock()

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	m.programMu.Lock()
	// Double-check in case another goroutine compiled the same expression.
	if existing, ok := m.programCache[expression]; ok {
		m.programMu.Unlock()
		return existing, nil
	}
	m.programCache[expression] = program
	m.programMu.Unlock()

	return program, nil
}
