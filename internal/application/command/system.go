package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/orris-inc/flowlink/internal/shared/hubprotocol/device"
)

// FlowWriter persists a new flow artifact and returns its signature.
type FlowWriter interface {
	Write(data []byte) (string, error)
}

// SystemOptions wires the sys actions to their collaborators.
type SystemOptions struct {
	Flows FlowWriter
	// SyncFlows answers syncflows; when nil the action is unsupported.
	SyncFlows Handler
	// Inspect reports whether the runtime supports remote inspection.
	Inspect bool
}

// SystemActions returns the table of sys actions a device answers.
func SystemActions(opts SystemOptions) *Actions {
	a := NewActions()
	a.Register(device.CatSys, device.ActProvision, provision)
	a.Register(device.CatSys, device.ActUpdateFlows, updateFlows(opts.Flows))
	a.Register(device.CatSys, device.ActInspect, inspect(opts.Inspect))
	a.Register(device.CatSys, device.ActRestart, restart)
	if opts.SyncFlows != nil {
		a.Register(device.CatSys, device.ActSyncFlows, opts.SyncFlows)
	}
	return a
}

func reply(status int) []*device.Reply {
	return []*device.Reply{device.NewReply(nil, status)}
}

func replyMessage(status int, msg string) []*device.Reply {
	return []*device.Reply{device.NewReply(nil, status).WithMessage(msg)}
}

func provision(_ context.Context, req *device.Request, exec *Exec) ([]*device.Reply, error) {
	interval := gjson.GetBytes(req.Args, "heartbeatInterval")
	if interval.Type != gjson.Number || interval.Num <= 0 {
		return replyMessage(device.StatusBadRequest, "heartbeatInterval missing"), nil
	}
	if exec.SetHeartbeat != nil {
		exec.SetHeartbeat(time.Duration(interval.Num * float64(time.Millisecond)))
	}
	return reply(device.StatusOK), nil
}

func updateFlows(flows FlowWriter) Handler {
	return func(_ context.Context, req *device.Request, _ *Exec) ([]*device.Reply, error) {
		content := gjson.GetBytes(req.Args, "content")
		if !content.Exists() {
			return replyMessage(device.StatusBadRequest, "content missing"), nil
		}

		// content arrives either as embedded JSON or as a JSON document in a string
		data := []byte(content.Raw)
		if content.Type == gjson.String {
			data = []byte(content.Str)
		}
		if !json.Valid(data) {
			return replyMessage(device.StatusBadRequest, "content is not valid JSON"), nil
		}

		if _, err := flows.Write(data); err != nil {
			return nil, fmt.Errorf("update flows: %w", err)
		}

		r := device.NewReply(nil, device.StatusOK)
		r.Restart = true
		return []*device.Reply{r}, nil
	}
}

func inspect(supported bool) Handler {
	return func(context.Context, *device.Request, *Exec) ([]*device.Reply, error) {
		if !supported {
			return replyMessage(device.StatusNotAllowed, "inspect not supported"), nil
		}
		return replyMessage(device.StatusNotImplemented, "inspect not implemented"), nil
	}
}

func restart(_ context.Context, req *device.Request, _ *Exec) ([]*device.Reply, error) {
	if !device.Truthy(req.Args) {
		return replyMessage(device.StatusBadRequest, "restart not confirmed"), nil
	}
	r := device.NewReply(nil, device.StatusOK)
	r.Restart = true
	return []*device.Reply{r}, nil
}
