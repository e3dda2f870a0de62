// Package pubsub relays commands and account status between local
// collaborators and the agent over Redis Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/orris-inc/flowlink/internal/shared/goroutine"
	"github.com/orris-inc/flowlink/internal/shared/hubprotocol/device"
	"github.com/orris-inc/flowlink/internal/shared/logger"
)

const (
	commandChannelSuffix = ":command"
	statusChannelSuffix  = ":status"
)

// StatusEventType is the kind of account status change.
type StatusEventType string

const (
	StatusAccountOnline  StatusEventType = "account_online"
	StatusAccountOffline StatusEventType = "account_offline"
	StatusAccountFailed  StatusEventType = "account_failed"
)

// StatusEvent reports an account status change to other processes.
type StatusEvent struct {
	Type       StatusEventType `json:"type"`
	Account    string          `json:"account"`
	Error      string          `json:"error,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	InstanceID string          `json:"instance_id,omitempty"` // Source instance ID to avoid self-delivery
}

// CommandEvent carries a command for one account. Command is the command
// JSON exactly as it would travel on the account channel.
type CommandEvent struct {
	Account string          `json:"account"`
	Command json.RawMessage `json:"command"`
}

// Relay implements the command and status channels on Redis.
type Relay struct {
	client     *redis.Client
	prefix     string
	logger     logger.Interface
	instanceID string
}

func NewRelay(client *redis.Client, prefix string, log logger.Interface) *Relay {
	return &Relay{
		client:     client,
		prefix:     prefix,
		logger:     log,
		instanceID: uuid.NewString(),
	}
}

func (r *Relay) InstanceID() string {
	return r.instanceID
}

func (r *Relay) commandChannel() string {
	return r.prefix + commandChannelSuffix
}

func (r *Relay) statusChannel() string {
	return r.prefix + statusChannelSuffix
}

// PublishCommand publishes a command for account.
func (r *Relay) PublishCommand(ctx context.Context, account string, command json.RawMessage) error {
	data, err := json.Marshal(CommandEvent{Account: account, Command: command})
	if err != nil {
		return fmt.Errorf("failed to marshal command event: %w", err)
	}

	if err := r.client.Publish(ctx, r.commandChannel(), data).Err(); err != nil {
		r.logger.Errorw("failed to publish command",
			"account", account,
			"error", err,
		)
		return fmt.Errorf("failed to publish command: %w", err)
	}

	r.logger.Debugw("command published to Redis",
		"account", account,
	)
	return nil
}

// PublishStatus publishes an account status event stamped with this
// instance's id.
func (r *Relay) PublishStatus(ctx context.Context, event StatusEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UTC().Unix()
	}
	event.InstanceID = r.instanceID

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	if err := r.client.Publish(ctx, r.statusChannel(), data).Err(); err != nil {
		r.logger.Errorw("failed to publish status event",
			"event_type", event.Type,
			"account", event.Account,
			"error", err,
		)
		return fmt.Errorf("failed to publish status event: %w", err)
	}

	r.logger.Debugw("status event published to Redis",
		"event_type", event.Type,
		"account", event.Account,
	)
	return nil
}

// SubscribeCommands delivers decoded relayed commands to handler until ctx is
// done. Frames that are not command JSON are logged and dropped.
func (r *Relay) SubscribeCommands(ctx context.Context, handler func(account string, nodes []device.Node)) error {
	return r.subscribeWithReconnect(ctx, r.commandChannel(), func(payload string) {
		var event CommandEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			r.logger.Warnw("failed to unmarshal command event",
				"payload", payload,
				"error", err,
			)
			return
		}
		nodes, err := device.Decode(event.Command)
		if err == nil {
			err = device.Validate(nodes)
		}
		if err != nil {
			r.logger.Warnw("dropping relayed command",
				"account", event.Account,
				"error", err,
			)
			return
		}
		handler(event.Account, nodes)
	})
}

// SubscribeStatus delivers status events from other instances.
func (r *Relay) SubscribeStatus(ctx context.Context, handler func(event StatusEvent)) error {
	return r.subscribeWithReconnect(ctx, r.statusChannel(), func(payload string) {
		var event StatusEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			r.logger.Warnw("failed to unmarshal status event",
				"payload", payload,
				"error", err,
			)
			return
		}

		if event.InstanceID == r.instanceID {
			return
		}

		handler(event)
	})
}

// subscribeWithReconnect wraps subscribe with automatic reconnection and exponential backoff.
func (r *Relay) subscribeWithReconnect(ctx context.Context, channel string, handler func(payload string)) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		err := r.subscribe(ctx, channel, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warnw("relay subscription disconnected, reconnecting",
			"channel", channel,
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

func (r *Relay) subscribe(ctx context.Context, channel string, handler func(payload string)) error {
	sub := r.client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}

	r.logger.Infow("subscribed to relay channel",
		"channel", channel,
	)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Infow("relay subscriber stopped",
				"channel", channel,
				"reason", ctx.Err(),
			)
			return ctx.Err()

		case msg, ok := <-ch:
			if !ok {
				r.logger.Warnw("relay channel closed",
					"channel", channel,
				)
				return nil
			}

			goroutine.SafeGo(r.logger, "relay-handler-"+channel, func() {
				handler(msg.Payload)
			})
		}
	}
}
