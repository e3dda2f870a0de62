package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/orris-inc/flowlink/internal/shared/errors"
	"github.com/orris-inc/flowlink/internal/shared/hubprotocol/device"
	"github.com/orris-inc/flowlink/internal/shared/logger"
)

// Exec is the per-evaluation context handed to action handlers.
type Exec struct {
	Account string
	Primary bool

	// Prior holds the replies produced so far by the enclosing sequence.
	Prior []*device.Reply

	Correlator *Correlator

	// SetHeartbeat updates the expected ping period of the account's channel.
	SetHeartbeat func(time.Duration)
}

func (e *Exec) with(prior []*device.Reply) *Exec {
	sub := *e
	sub.Prior = prior
	return &sub
}

// Result is the outcome of evaluating one inbound frame.
type Result struct {
	Replies          []*device.Reply
	RestartRequested bool
}

// EvalError is a local fault raised while evaluating the command with ID.
type EvalError struct {
	ID  *int
	Err error
}

func (e *EvalError) Error() string {
	return e.Err.Error()
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// Reply turns the fault into the reply sent back to the peer.
func (e *EvalError) Reply() *device.Reply {
	return device.NewReply(e.ID, apperrors.StatusOf(e.Err)).WithMessage(e.Err.Error())
}

// Interpreter evaluates command trees against an action table.
type Interpreter struct {
	actions *Actions
	logger  logger.Interface
}

func NewInterpreter(actions *Actions, log logger.Interface) *Interpreter {
	return &Interpreter{
		actions: actions,
		logger:  log,
	}
}

// Evaluate runs nodes in order and collects the replies they produce. Every
// node is evaluated on its own: a local fault in one becomes its reply and the
// following nodes still run.
func (in *Interpreter) Evaluate(ctx context.Context, nodes []device.Node, exec *Exec) *Result {
	replies := in.evalList(ctx, nodes, exec)
	return &Result{
		Replies:          replies,
		RestartRequested: device.HasRestart(replies),
	}
}

func (in *Interpreter) evalList(ctx context.Context, nodes []device.Node, exec *Exec) []*device.Reply {
	var out []*device.Reply
	for _, node := range nodes {
		replies, err := in.eval(ctx, node, exec)
		out = append(out, replies...)
		if err != nil {
			in.logger.Warnw("command evaluation failed", "account", exec.Account, "error", err)
			out = append(out, faultReply(err))
		}
	}
	return out
}

func faultReply(err error) *device.Reply {
	var evalErr *EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Reply()
	}
	return device.NewReply(nil, apperrors.StatusOf(err)).WithMessage(err.Error())
}

func (in *Interpreter) eval(ctx context.Context, node device.Node, exec *Exec) ([]*device.Reply, error) {
	switch n := node.(type) {
	case *device.Reply:
		return in.evalReply(ctx, n, exec), nil
	case *device.Invalid:
		return []*device.Reply{device.NewReply(n.ID, device.StatusBadRequest).WithMessage(n.Reason)}, nil
	case *device.Control:
		if n.ID == nil {
			return []*device.Reply{device.NewReply(nil, device.StatusBadRequest).WithMessage("id missing")}, nil
		}
		return in.evalControl(ctx, n, exec)
	case *device.Request:
		if n.ID == nil {
			return []*device.Reply{device.NewReply(nil, device.StatusBadRequest).WithMessage("id missing")}, nil
		}
		if n.Cat == "" {
			return []*device.Reply{device.NewReply(n.ID, device.StatusBadRequest).WithMessage("category missing")}, nil
		}
		return in.evalRequest(ctx, n, exec), nil
	default:
		return nil, &EvalError{Err: apperrors.NewCommandError(device.StatusBadRequest, "unknown command type %T", node)}
	}
}

func (in *Interpreter) evalReply(ctx context.Context, r *device.Reply, exec *Exec) []*device.Reply {
	if id, ok := r.CommandID(); ok && exec.Correlator != nil {
		exec.Correlator.Resolve(id, r.Status)
	}
	if len(r.Nested) == 0 {
		return nil
	}
	return in.evalList(ctx, r.Nested, exec)
}

func (in *Interpreter) evalControl(ctx context.Context, c *device.Control, exec *Exec) ([]*device.Reply, error) {
	switch c.Act {
	case device.ActSequence:
		return in.evalSequence(ctx, c, exec), nil
	case device.ActParallel:
		return in.evalParallel(ctx, c, exec)
	default:
		return nil, &EvalError{
			ID:  c.ID,
			Err: apperrors.NewCommandError(device.StatusBadRequest, "unknown action:%s", c.Act),
		}
	}
}

// evalSequence folds over the children in order. A child that faults or whose
// own reply is a 4xx/5xx ends the fold; later children are never evaluated.
func (in *Interpreter) evalSequence(ctx context.Context, c *device.Control, exec *Exec) []*device.Reply {
	if len(c.Children) == 0 {
		return []*device.Reply{device.NewReply(c.ID, device.StatusBadRequest).WithMessage("no commands")}
	}

	var acc []*device.Reply
	for _, child := range c.Children {
		replies, err := in.eval(ctx, child, exec.with(acc))
		acc = append(acc, replies...)
		if err == nil {
			err = rejection(child, replies)
		}
		if err != nil {
			in.logger.Debugw("sequence aborted", "id", *c.ID, "error", err)
			return append(acc, device.NewReply(c.ID, device.StatusBadRequest).WithMessage(err.Error()))
		}
	}
	return append(acc, device.NewReply(c.ID, device.StatusOK))
}

// rejection reports whether replies hold a failure status answering child
// itself. Replies to commands nested deeper do not count.
func rejection(child device.Node, replies []*device.Reply) error {
	id, hasID := child.CommandID()
	for _, r := range replies {
		rid, ok := r.CommandID()
		if ok != hasID || (ok && rid != id) {
			continue
		}
		if r.Status < device.StatusBadRequest {
			continue
		}
		if r.Message != "" {
			return errors.New(r.Message)
		}
		return fmt.Errorf("command rejected with status %d", r.Status)
	}
	return nil
}

func (in *Interpreter) evalParallel(ctx context.Context, c *device.Control, exec *Exec) ([]*device.Reply, error) {
	results := make([][]*device.Reply, len(c.Children))

	g, gctx := errgroup.WithContext(ctx)
	for i, child := range c.Children {
		g.Go(func() error {
			replies, err := in.eval(gctx, child, exec.with(exec.Prior))
			results[i] = replies
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*device.Reply
	for _, replies := range results {
		out = append(out, replies...)
	}
	return append(out, device.NewReply(c.ID, device.StatusOK)), nil
}

func (in *Interpreter) evalRequest(ctx context.Context, req *device.Request, exec *Exec) []*device.Reply {
	handler, ok := in.actions.Lookup(req.Cat, req.Act)
	if !ok {
		in.logger.Debugw("unsupported action", "cat", req.Cat, "act", req.Act, "id", *req.ID)
		return []*device.Reply{device.NewReply(req.ID, device.StatusBadRequest).WithMessage("unsupported action")}
	}

	replies, err := in.invoke(ctx, handler, req, exec)
	if err != nil {
		in.logger.Warnw("action failed", "cat", req.Cat, "act", req.Act, "id", *req.ID, "error", err)
		reply := device.NewReply(req.ID, apperrors.StatusOf(err)).WithMessage(err.Error())
		var pe *panicError
		if errors.As(err, &pe) {
			reply.Stack = pe.stack
		}
		return []*device.Reply{reply}
	}

	for _, r := range replies {
		if r.ID == nil {
			r.ID = req.ID
		}
	}
	return replies
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (in *Interpreter) invoke(ctx context.Context, h Handler, req *device.Request, exec *Exec) (replies []*device.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return h(ctx, req, exec)
}

// Handler runs one action. Replies without an id are correlated with req.
type Handler func(ctx context.Context, req *device.Request, exec *Exec) ([]*device.Reply, error)

type actionKey struct {
	cat string
	act string
}

// Actions is the dispatch table of an interpreter, keyed by category and action.
type Actions struct {
	mu       sync.RWMutex
	handlers map[actionKey]Handler
}

func NewActions() *Actions {
	return &Actions{handlers: make(map[actionKey]Handler)}
}

func (a *Actions) Register(cat, act string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[actionKey{cat, act}] = h
}

func (a *Actions) Lookup(cat, act string) (Handler, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.handlers[actionKey{cat, act}]
	return h, ok
}
