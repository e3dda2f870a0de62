package account

import (
	"context"
	"fmt"
	"sync"

	"github.com/orris-inc/flowlink/internal/application/command"
	"github.com/orris-inc/flowlink/internal/infrastructure/outbox"
	"github.com/orris-inc/flowlink/internal/infrastructure/transport"
	"github.com/orris-inc/flowlink/internal/shared/hubprotocol/device"
	"github.com/orris-inc/flowlink/internal/shared/logger"
)

// Session binds one account to its channel. Inbound frames are evaluated on
// the channel goroutine, so commands of one account are handled in order.
type Session struct {
	account     Account
	channel     *transport.Channel
	correlator  *command.Correlator
	interpreter *command.Interpreter
	outbox      *outbox.Queue[[]device.Node]
	registry    *Registry
	ctx         context.Context
	logger      logger.Interface

	// mu orders sends against connection changes; ready is true between the
	// Opened event and the next Closed or Error.
	mu    sync.Mutex
	ready bool
}

func (s *Session) Account() Account {
	return s.account
}

func (s *Session) State() transport.State {
	return s.channel.State()
}

// Status is the externally visible state of a session.
type Status struct {
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
	Managed bool   `json:"managed"`
	State   string `json:"state"`
	URL     string `json:"url"`
	Queued  int    `json:"queued"`
	Pending int    `json:"pending"`
}

func (s *Session) Status() Status {
	return Status{
		Name:    s.account.Name(),
		Primary: s.account.Primary,
		Managed: s.account.Managed,
		State:   s.channel.State().String(),
		URL:     s.channel.URL(),
		Queued:  s.outbox.Len(),
		Pending: s.correlator.Pending(),
	}
}

// Publish sends a device-initiated command. The command is queued when the
// channel is not open and numbered only once it is actually sent.
func (s *Session) Publish(node device.Node) error {
	if err := device.Validate([]device.Node{node}); err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	s.deliver([]device.Node{node})
	return nil
}

// deliver sends nodes as one frame on the current connection, or queues them
// for the next one.
func (s *Session) deliver(nodes []device.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready && s.transmit(nodes) {
		return
	}
	s.outbox.Enqueue(nodes)
	s.logger.Debugw("channel not open, frame queued", "queued", s.outbox.Len())
}

// transmit registers nodes with the correlator of the current connection and
// sends them. A frame that cannot be sent is withdrawn again so it carries no
// id from this connection when it is replayed. Callers hold s.mu.
func (s *Session) transmit(nodes []device.Node) bool {
	assigned := make([][]device.Node, len(nodes))
	for i, n := range nodes {
		assigned[i] = s.correlator.Register(n)
	}

	data, err := device.Encode(nodes)
	if err == nil && s.channel.Send(data) {
		return true
	}
	for i, n := range nodes {
		s.correlator.Withdraw(n, assigned[i])
	}
	if err != nil {
		// Retrying cannot fix an encoding failure; report it as sent so it
		// leaves the queue.
		s.logger.Errorw("failed to encode frame, dropped", "error", err)
		return true
	}
	return false
}

func (s *Session) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventOpened:
		s.mu.Lock()
		s.correlator.Reset()
		s.ready = true
		if n := s.outbox.Flush(s.transmit); n > 0 {
			s.logger.Infow("replayed queued frames", "count", n)
		}
		s.mu.Unlock()
		s.registry.notifyOnline(s.account.Name())

	case transport.EventClosed:
		s.disconnect()
		s.registry.notifyOffline(s.account.Name())

	case transport.EventError:
		s.disconnect()
		if ev.Fatal {
			s.registry.notifyFatal(s.account.Name(), ev.Err)
		}

	case transport.EventMessage:
		s.handleMessage(ev.Data)
	}
}

func (s *Session) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	s.correlator.Discard()
}

func (s *Session) handleMessage(data []byte) {
	nodes, err := device.Decode(data)
	if err != nil {
		s.logger.Warnw("dropping malformed frame", "error", err, "size", len(data))
		return
	}

	exec := &command.Exec{
		Account:      s.account.Name(),
		Primary:      s.account.Primary,
		Correlator:   s.correlator,
		SetHeartbeat: s.channel.SetHeartbeatInterval,
	}
	res := s.interpreter.Evaluate(s.ctx, nodes, exec)

	if len(res.Replies) > 0 {
		out := make([]device.Node, len(res.Replies))
		for i, r := range res.Replies {
			out[i] = r
		}
		s.deliver(out)
	}

	if res.RestartRequested {
		s.registry.requestRestart(s.account.Name())
	}
}
