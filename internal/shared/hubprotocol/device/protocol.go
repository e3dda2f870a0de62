// Package device defines the command protocol exchanged between a device and
// the backend accounts it is connected to. These types are shared between the
// transport, the interpreter and the flow synchronization layers.
package device

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Categories.
const (
	CatSys  = "sys"
	CatCtrl = "ctrl"
)

// Control actions.
const (
	ActSequence = "sequence"
	ActParallel = "parallel"
)

// System actions.
const (
	ActProvision    = "provision"
	ActSyncFlows    = "syncflows"
	ActUpdateFlows  = "updateflows"
	ActInspect      = "inspect"
	ActRestart      = "restart"
	ActDeliverFlows = "deliverflows" // Device -> Account only
)

// Reply status codes.
const (
	StatusOK             = 200
	StatusAccepted       = 202
	StatusNotModified    = 304
	StatusBadRequest     = 400
	StatusUnauthorized   = 401
	StatusNotFound       = 404
	StatusNotAllowed     = 405
	StatusInternalError  = 500
	StatusNotImplemented = 501
)

// MaxID bounds correlation ids; they wrap to 0 past it.
const MaxID = 65536

// DoneFunc is invoked once the peer answers a command. err is nil for a 2xx reply.
type DoneFunc func(err error)

// Node is one decoded command: a *Request, a *Control, a *Reply or an
// *Invalid placeholder.
type Node interface {
	CommandID() (int, bool)
	AssignID(id int)
	ClearID()
	isNode()
}

// Request asks the receiver to run one action.
type Request struct {
	ID   *int
	Cat  string
	Act  string
	Args json.RawMessage
	Done DoneFunc
}

// Control composes child commands sequentially or in parallel.
type Control struct {
	ID       *int
	Act      string
	Children []Node
	Done     DoneFunc
}

// Reply answers a previously sent command. It may carry follow-up commands.
type Reply struct {
	ID      *int
	Status  int
	Message string
	Stack   string
	Restart bool
	Nested  []Node
}

// Invalid stands in for an inbound element that is not a well-formed
// command. It is answered with a 400 and can never be encoded.
type Invalid struct {
	ID     *int
	Reason string
}

func (*Request) isNode() {}
func (*Control) isNode() {}
func (*Reply) isNode()   {}
func (*Invalid) isNode() {}

func (r *Request) CommandID() (int, bool) { return deref(r.ID) }
func (c *Control) CommandID() (int, bool) { return deref(c.ID) }
func (r *Reply) CommandID() (int, bool)   { return deref(r.ID) }
func (i *Invalid) CommandID() (int, bool) { return deref(i.ID) }

func (r *Request) AssignID(id int) { r.ID = &id }
func (c *Control) AssignID(id int) { c.ID = &id }
func (r *Reply) AssignID(id int)   { r.ID = &id }
func (i *Invalid) AssignID(id int) { i.ID = &id }

func (r *Request) ClearID() { r.ID = nil }
func (c *Control) ClearID() { c.ID = nil }
func (r *Reply) ClearID()   { r.ID = nil }
func (i *Invalid) ClearID() { i.ID = nil }

func deref(p *int) (int, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

// ID returns a pointer to id, for building commands inline.
func ID(id int) *int {
	return &id
}

// NewRequest builds a request whose args are the JSON encoding of args.
func NewRequest(cat, act string, args any) (*Request, error) {
	req := &Request{Cat: cat, Act: act}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal %s/%s args: %w", cat, act, err)
		}
		req.Args = raw
	}
	return req, nil
}

// Bind decodes the request args into v. Missing args leave v untouched.
func (r *Request) Bind(v any) error {
	if len(r.Args) == 0 {
		return nil
	}
	return json.Unmarshal(r.Args, v)
}

// NewReply builds a reply correlated with id, which may be nil.
func NewReply(id *int, status int) *Reply {
	return &Reply{ID: id, Status: status}
}

// WithMessage sets the reply message and returns the reply.
func (r *Reply) WithMessage(msg string) *Reply {
	r.Message = msg
	return r
}

// Truthy reports whether a raw JSON value would count as true for a loosely
// typed peer: anything but false, 0, "", null or absent.
func Truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	v := gjson.ParseBytes(raw)
	switch v.Type {
	case gjson.False, gjson.Null:
		return false
	case gjson.Number:
		return v.Num != 0
	case gjson.String:
		return v.Str != ""
	default:
		return true
	}
}

// HasRestart reports whether any reply in the set, nested ones included,
// asks for a process restart.
func HasRestart(replies []*Reply) bool {
	for _, r := range replies {
		if r.Restart {
			return true
		}
		for _, n := range r.Nested {
			if nr, ok := n.(*Reply); ok && HasRestart([]*Reply{nr}) {
				return true
			}
		}
	}
	return false
}
