package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// ErrMalformedFrame is returned for frames that are not command JSON.
var ErrMalformedFrame = errors.New("malformed frame")

// frame is the JSON shape of every command on the wire.
type frame struct {
	ID       *int            `json:"id,omitempty"`
	Cat      string          `json:"cat,omitempty"`
	Act      string          `json:"act,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Status   *int            `json:"status,omitempty"`
	Message  string          `json:"message,omitempty"`
	Stack    string          `json:"stack,omitempty"`
	Commands json.RawMessage `json:"commands,omitempty"`
	Restart  bool            `json:"restart,omitempty"`
}

// Decode parses a frame holding either one command object or an array of them.
// Elements that are not well-formed commands decode to *Invalid so the rest of
// the frame is still served; only a frame that is neither an object nor an
// array is rejected as a whole.
func Decode(data []byte) ([]Node, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedFrame
	}
	return decodeValue(gjson.ParseBytes(data))
}

func decodeValue(v gjson.Result) ([]Node, error) {
	switch {
	case v.IsArray():
		var nodes []Node
		v.ForEach(func(_, item gjson.Result) bool {
			nodes = append(nodes, decodeOne(item))
			return true
		})
		return nodes, nil
	case v.IsObject():
		return []Node{decodeOne(v)}, nil
	default:
		return nil, fmt.Errorf("%w: expected object or array, got %s", ErrMalformedFrame, v.Type)
	}
}

func decodeOne(v gjson.Result) Node {
	if !v.IsObject() {
		return &Invalid{Reason: "malformed command: expected object"}
	}
	var f frame
	if err := json.Unmarshal([]byte(v.Raw), &f); err != nil {
		return &Invalid{ID: looseID(v.Get("id")), Reason: "malformed command: " + err.Error()}
	}

	if f.Status != nil {
		reply := &Reply{
			ID:      f.ID,
			Status:  *f.Status,
			Message: f.Message,
			Stack:   f.Stack,
			Restart: f.Restart,
		}
		if len(f.Commands) > 0 {
			nested, err := decodeValue(gjson.ParseBytes(f.Commands))
			if err != nil {
				nested = []Node{&Invalid{Reason: "malformed command: commands must be an object or array"}}
			}
			reply.Nested = nested
		}
		return reply
	}

	if f.Cat == CatCtrl {
		ctrl := &Control{ID: f.ID, Act: f.Act}
		if args := gjson.ParseBytes(f.Args); args.IsArray() {
			ctrl.Children, _ = decodeValue(args)
		}
		return ctrl
	}

	return &Request{ID: f.ID, Cat: f.Cat, Act: f.Act, Args: f.Args}
}

// looseID recovers an id from a command that failed to decode, so its 400
// can still be correlated. Numeric strings are accepted.
func looseID(v gjson.Result) *int {
	switch v.Type {
	case gjson.Number:
		if id := int(v.Int()); float64(id) == v.Num {
			return &id
		}
	case gjson.String:
		if id, err := strconv.Atoi(v.Str); err == nil {
			return &id
		}
	}
	return nil
}

// Validate returns an error wrapping ErrMalformedFrame if any node, at any
// depth, is *Invalid. Used by local publishers that must not forward partial
// frames.
func Validate(nodes []Node) error {
	for _, n := range nodes {
		switch n := n.(type) {
		case *Invalid:
			return fmt.Errorf("%w: %s", ErrMalformedFrame, n.Reason)
		case *Control:
			if err := Validate(n.Children); err != nil {
				return err
			}
		case *Reply:
			if err := Validate(n.Nested); err != nil {
				return err
			}
		}
	}
	return nil
}

// Encode serializes nodes as a single object when there is one, an array otherwise.
func Encode(nodes []Node) ([]byte, error) {
	if len(nodes) == 1 {
		return json.Marshal(nodes[0])
	}
	return json.Marshal(nodes)
}

// EncodeReplies is Encode for a reply set.
func EncodeReplies(replies []*Reply) ([]byte, error) {
	nodes := make([]Node, len(replies))
	for i, r := range replies {
		nodes[i] = r
	}
	return Encode(nodes)
}

func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(frame{ID: r.ID, Cat: r.Cat, Act: r.Act, Args: r.Args})
}

func (c *Control) MarshalJSON() ([]byte, error) {
	children := c.Children
	if children == nil {
		children = []Node{}
	}
	args, err := json.Marshal(children)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{ID: c.ID, Cat: CatCtrl, Act: c.Act, Args: args})
}

func (r *Reply) MarshalJSON() ([]byte, error) {
	status := r.Status
	f := frame{
		ID:      r.ID,
		Status:  &status,
		Message: r.Message,
		Stack:   r.Stack,
		Restart: r.Restart,
	}
	if len(r.Nested) > 0 {
		nested, err := Encode(r.Nested)
		if err != nil {
			return nil, err
		}
		f.Commands = nested
	}
	return json.Marshal(f)
}

func (i *Invalid) MarshalJSON() ([]byte, error) {
	return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, i.Reason)
}
