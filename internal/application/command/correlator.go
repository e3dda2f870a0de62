// Package command correlates outbound commands with their replies and
// evaluates inbound command trees.
package command

import (
	"fmt"
	"runtime/debug"
	"sync"

	apperrors "github.com/orris-inc/flowlink/internal/shared/errors"
	"github.com/orris-inc/flowlink/internal/shared/hubprotocol/device"
	"github.com/orris-inc/flowlink/internal/shared/logger"
)

type pending struct {
	node device.Node
	done device.DoneFunc
}

// Correlator hands out command ids for one connection and keeps the
// completion callbacks of commands awaiting a reply.
type Correlator struct {
	mu      sync.Mutex
	next    int
	pending map[int]pending
	logger  logger.Interface
}

func NewCorrelator(log logger.Interface) *Correlator {
	return &Correlator{
		pending: make(map[int]pending),
		logger:  log,
	}
}

// NextID returns the next id, wrapping at device.MaxID.
func (c *Correlator) NextID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextLocked()
}

func (c *Correlator) nextLocked() int {
	id := c.next
	c.next = (c.next + 1) % device.MaxID
	return id
}

// Reset restarts numbering at 0 and forgets every pending command. Used when
// a connection opens.
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = 0
	c.pending = make(map[int]pending)
}

// Discard forgets every pending command without calling its callback.
func (c *Correlator) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.pending); n > 0 {
		c.logger.Debugw("discarding pending commands", "count", n)
	}
	c.pending = make(map[int]pending)
}

// Pending returns the number of commands awaiting a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Register assigns ids to node and to every command nested in it, and records
// them as awaiting a reply. Replies are not recorded themselves, only the
// commands they carry. It returns the nodes that received a fresh id.
func (c *Correlator) Register(node device.Node) []device.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	var assigned []device.Node
	c.registerLocked(node, &assigned)
	return assigned
}

func (c *Correlator) registerLocked(node device.Node, assigned *[]device.Node) {
	switch n := node.(type) {
	case *device.Request:
		c.trackLocked(n, n.Done, assigned)
	case *device.Control:
		c.trackLocked(n, n.Done, assigned)
		if n.Act == device.ActSequence || n.Act == device.ActParallel {
			for _, child := range n.Children {
				c.registerLocked(child, assigned)
			}
		}
	case *device.Reply:
		for _, nested := range n.Nested {
			c.registerLocked(nested, assigned)
		}
	}
}

func (c *Correlator) trackLocked(node device.Node, done device.DoneFunc, assigned *[]device.Node) {
	id, ok := node.CommandID()
	if !ok {
		id = c.nextLocked()
		node.AssignID(id)
		*assigned = append(*assigned, node)
	}
	c.pending[id] = pending{node: node, done: done}
}

// Withdraw undoes Register for a command that was never sent: its pending
// entries are dropped and the ids handed out by Register are cleared, so the
// command is numbered again on the connection that finally carries it.
func (c *Correlator) Withdraw(node device.Node, assigned []device.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.withdrawLocked(node)
	for _, n := range assigned {
		n.ClearID()
	}
}

func (c *Correlator) withdrawLocked(node device.Node) {
	if id, ok := node.CommandID(); ok {
		if entry, found := c.pending[id]; found && entry.node == node {
			delete(c.pending, id)
		}
	}
	switch n := node.(type) {
	case *device.Control:
		for _, child := range n.Children {
			c.withdrawLocked(child)
		}
	case *device.Reply:
		for _, nested := range n.Nested {
			c.withdrawLocked(nested)
		}
	}
}

// Resolve completes the command with the given id. A 2xx status calls its
// callback with nil, anything else with a *apperrors.StatusError.
func (c *Correlator) Resolve(id, status int) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Debugw("reply for unknown command", "id", id, "status", status)
		return
	}
	if entry.done == nil {
		return
	}

	var err error
	if status < 200 || status > 299 {
		err = &apperrors.StatusError{ID: id, Status: status}
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("command callback panicked",
				"id", id,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	entry.done(err)
}
