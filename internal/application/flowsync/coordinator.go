// Package flowsync reconciles the local flow artifact with the connected
// accounts. The signature of the artifact is an optimistic version token:
// there is no merge, the side allowed to write wins.
package flowsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/orris-inc/flowlink/internal/application/command"
	"github.com/orris-inc/flowlink/internal/infrastructure/flowstore"
	"github.com/orris-inc/flowlink/internal/shared/hubprotocol/device"
	"github.com/orris-inc/flowlink/internal/shared/logger"
)

// FlowStore is the artifact storage the coordinator reconciles.
type FlowStore interface {
	Name() string
	Read() ([]byte, error)
	Write(data []byte) (string, error)
	Signature() string
	Refresh() (string, bool, error)
}

// Publisher delivers device-initiated commands to accounts.
type Publisher interface {
	// Broadcast sends a command built by build to every account. build is
	// called once per account.
	Broadcast(build func() device.Node)
	PublishPrimary(node device.Node) error
}

// AccountDescriptor is a flow node of type "account".
type AccountDescriptor struct {
	AccountFQN string `validate:"required,contains=@"`
	LoginUser  string `validate:"required"`
	Rev        int    `validate:"gte=0"`
}

type syncArgs struct {
	FlowUpdateRequired bool
	ExpectedSignature  string
	HasExpected        bool
	Publishable        bool
	FlowID             string
}

func parseSyncArgs(raw json.RawMessage) syncArgs {
	expected := gjson.GetBytes(raw, "expectedSignature")
	return syncArgs{
		FlowUpdateRequired: gjson.GetBytes(raw, "flowUpdateRequired").Bool(),
		ExpectedSignature:  expected.String(),
		HasExpected:        expected.Exists() && expected.Type != gjson.Null,
		Publishable:        gjson.GetBytes(raw, "publishable").Bool(),
		FlowID:             gjson.GetBytes(raw, "flowId").String(),
	}
}

type Coordinator struct {
	store     FlowStore
	publisher Publisher
	validate  *validator.Validate
	logger    logger.Interface

	inFlight atomic.Bool
}

func NewCoordinator(store FlowStore, publisher Publisher, log logger.Interface) *Coordinator {
	return &Coordinator{
		store:     store,
		publisher: publisher,
		validate:  validator.New(),
		logger:    log.With("component", "flowsync"),
	}
}

// HandleSyncFlows answers an account's syncflows request.
func (c *Coordinator) HandleSyncFlows(_ context.Context, req *device.Request, exec *command.Exec) ([]*device.Reply, error) {
	args := parseSyncArgs(req.Args)
	current := c.store.Signature()

	if args.HasExpected && args.ExpectedSignature == current {
		return []*device.Reply{device.NewReply(nil, device.StatusNotModified)}, nil
	}

	if !args.FlowUpdateRequired {
		if !exec.Primary {
			return []*device.Reply{device.NewReply(nil, device.StatusNotAllowed).WithMessage("not the primary account")}, nil
		}
		deliver, err := device.NewRequest(device.CatSys, device.ActDeliverFlows, map[string]string{"flowId": args.FlowID})
		if err != nil {
			return nil, err
		}
		deliver.Done = c.logOutcome(exec.Account, device.ActDeliverFlows)

		r := device.NewReply(nil, device.StatusAccepted)
		r.Nested = []device.Node{deliver}
		return []*device.Reply{r}, nil
	}

	data, err := c.store.Read()
	if err != nil {
		return nil, err
	}
	nodes, err := decodeFlows(data)
	if err != nil {
		return nil, err
	}

	signature := flowstore.Sign(data)
	if args.Publishable {
		valid := c.accountDescriptors(data)
		if len(valid) == 0 {
			return []*device.Reply{device.NewReply(nil, device.StatusBadRequest).WithMessage("no valid account descriptor")}, nil
		}
		if err := bumpRevisions(nodes); err != nil {
			return nil, err
		}
		if data, err = encodeFlows(nodes); err != nil {
			return nil, err
		}
		if signature, err = c.store.Write(data); err != nil {
			return nil, err
		}
		c.logger.Infow("flows published", "account", exec.Account, "signature", signature, "descriptors", len(valid))
	}

	update, err := device.NewRequest(device.CatSys, device.ActUpdateFlows, map[string]string{
		"name":      c.store.Name(),
		"signature": signature,
		"content":   string(data),
	})
	if err != nil {
		return nil, err
	}
	update.Done = c.logOutcome(exec.Account, device.ActUpdateFlows)

	r := device.NewReply(nil, device.StatusAccepted)
	r.Nested = []device.Node{update}
	return []*device.Reply{r}, nil
}

// OnChange reconciles after a local modification of the artifact. Triggers
// arriving while a reconciliation runs are dropped.
func (c *Coordinator) OnChange() {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.logger.Debugw("reconciliation in flight, change dropped")
		return
	}
	defer c.inFlight.Store(false)

	signature, changed, err := c.store.Refresh()
	if err != nil {
		c.logger.Warnw("failed to refresh flow signature", "error", err)
		return
	}
	if !changed || signature == "" {
		return
	}

	c.logger.Infow("flows changed locally", "signature", signature)
	c.publisher.Broadcast(func() device.Node {
		return &device.Request{
			Cat:  device.CatSys,
			Act:  device.ActSyncFlows,
			Args: json.RawMessage(fmt.Sprintf(`{"expectedSignature":%q}`, signature)),
		}
	})
}

// OnRemove asks the primary account to deliver the flows again after the
// artifact was deleted locally.
func (c *Coordinator) OnRemove() {
	if c.store.Signature() == "" {
		return
	}
	if _, _, err := c.store.Refresh(); err != nil {
		c.logger.Warnw("failed to refresh flow signature", "error", err)
	}

	c.logger.Warnw("flow file removed, requesting delivery from primary")
	req := &device.Request{Cat: device.CatSys, Act: device.ActDeliverFlows}
	req.Done = c.logOutcome("primary", device.ActDeliverFlows)
	if err := c.publisher.PublishPrimary(req); err != nil {
		c.logger.Warnw("failed to request flows from primary", "error", err)
	}
}

// accountDescriptors returns the account nodes of the artifact that pass
// validation.
func (c *Coordinator) accountDescriptors(data []byte) []AccountDescriptor {
	var valid []AccountDescriptor
	gjson.GetBytes(data, `#(type=="account")#`).ForEach(func(_, node gjson.Result) bool {
		d := AccountDescriptor{
			AccountFQN: node.Get("accountFqn").String(),
			LoginUser:  node.Get("loginUser").String(),
			Rev:        int(node.Get("rev").Int()),
		}
		if err := c.validate.Struct(d); err != nil {
			c.logger.Warnw("invalid account descriptor", "node", node.Get("id").String(), "error", err)
			return true
		}
		valid = append(valid, d)
		return true
	})
	return valid
}

func (c *Coordinator) logOutcome(account, act string) device.DoneFunc {
	return func(err error) {
		if err != nil {
			c.logger.Warnw("command rejected", "account", account, "act", act, "error", err)
			return
		}
		c.logger.Debugw("command acknowledged", "account", account, "act", act)
	}
}

func decodeFlows(data []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var nodes []map[string]any
	if err := dec.Decode(&nodes); err != nil {
		return nil, fmt.Errorf("parse flow file: %w", err)
	}
	return nodes, nil
}

func encodeFlows(nodes []map[string]any) ([]byte, error) {
	data, err := json.Marshal(nodes)
	if err != nil {
		return nil, fmt.Errorf("encode flow file: %w", err)
	}
	return data, nil
}

func bumpRevisions(nodes []map[string]any) error {
	for _, n := range nodes {
		if n["type"] != "account" {
			continue
		}
		rev := int64(0)
		if v, ok := n["rev"].(json.Number); ok {
			parsed, err := v.Int64()
			if err != nil {
				return fmt.Errorf("account descriptor rev %q: %w", v, err)
			}
			rev = parsed
		}
		n["rev"] = rev + 1
	}
	return nil
}
