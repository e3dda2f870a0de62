package account

import (
	"context"
	"sync"

	"github.com/orris-inc/flowlink/internal/application/command"
	"github.com/orris-inc/flowlink/internal/infrastructure/outbox"
	"github.com/orris-inc/flowlink/internal/infrastructure/transport"
	apperrors "github.com/orris-inc/flowlink/internal/shared/errors"
	sharedConfig "github.com/orris-inc/flowlink/internal/shared/config"
	"github.com/orris-inc/flowlink/internal/shared/goroutine"
	"github.com/orris-inc/flowlink/internal/shared/hubprotocol/device"
	"github.com/orris-inc/flowlink/internal/shared/logger"
)

// Options configure the sessions a registry creates.
type Options struct {
	Device        sharedConfig.DeviceConfig
	Transport     transport.Options
	TransportPath string
	QueueCapacity int
	Dialer        transport.Dialer
	Actions       *command.Actions
}

// Registry tracks the sessions of every registered account.
type Registry struct {
	opts      Options
	restarter *Restarter

	sessions   map[string]*Session
	order      []string
	primary    string
	primarySet bool
	sessionsMu sync.RWMutex

	// Callbacks
	onOnline  func(name string)
	onOffline func(name string)
	onFatal   func(name string, err error)

	logger logger.Interface
}

func NewRegistry(opts Options, log logger.Interface) *Registry {
	if opts.Dialer == nil {
		opts.Dialer = &transport.WebsocketDialer{}
	}
	if opts.Actions == nil {
		opts.Actions = command.NewActions()
	}
	return &Registry{
		opts:      opts,
		restarter: NewRestarter(),
		sessions:  make(map[string]*Session),
		logger:    log,
	}
}

// SetOnOnline sets the callback run when an account's channel opens.
func (r *Registry) SetOnOnline(fn func(name string)) {
	r.onOnline = fn
}

// SetOnOffline sets the callback run when an account's channel closes.
func (r *Registry) SetOnOffline(fn func(name string)) {
	r.onOffline = fn
}

// SetOnFatal sets the callback run when a channel stops for good.
func (r *Registry) SetOnFatal(fn func(name string, err error)) {
	r.onFatal = fn
}

// Restarter returns the process-wide restart signal.
func (r *Registry) Restarter() *Restarter {
	return r.restarter
}

// Register creates and starts the session of acc. The first account ever
// registered is the primary for the lifetime of the registry.
func (r *Registry) Register(ctx context.Context, acc Account) (*Session, error) {
	if err := acc.Validate(); err != nil {
		return nil, err
	}

	r.sessionsMu.Lock()
	if _, exists := r.sessions[acc.Name()]; exists {
		r.sessionsMu.Unlock()
		return nil, apperrors.NewConflictError("account already registered", acc.Name())
	}
	acc.Primary = !r.primarySet
	if acc.Primary {
		r.primarySet = true
		r.primary = acc.Name()
	}

	log := r.logger.With("account", acc.Name())
	channel := transport.NewChannel(acc.Name(), acc.URL(r.opts.TransportPath), acc.Header(r.opts.Device),
		r.opts.Dialer, r.opts.Transport, log)
	s := &Session{
		account:     acc,
		channel:     channel,
		correlator:  command.NewCorrelator(log),
		interpreter: command.NewInterpreter(r.opts.Actions, log),
		outbox:      outbox.NewQueue[[]device.Node](r.opts.QueueCapacity, log),
		registry:    r,
		ctx:         ctx,
		logger:      log,
	}
	channel.Subscribe(s.handleEvent)

	r.sessions[acc.Name()] = s
	r.order = append(r.order, acc.Name())
	r.sessionsMu.Unlock()

	log.Infow("account registered", "primary", acc.Primary, "url", channel.URL())
	channel.Start(ctx)
	return s, nil
}

// Session returns the session registered under name.
func (r *Registry) Session(name string) (*Session, bool) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Publish sends node to the named account, queueing it while the account is
// offline.
func (r *Registry) Publish(name string, node device.Node) error {
	s, ok := r.Session(name)
	if !ok {
		return apperrors.NewNotFoundError("account not found", name)
	}
	return s.Publish(node)
}

// Broadcast publishes a command built by build to every account.
func (r *Registry) Broadcast(build func() device.Node) {
	for _, s := range r.snapshot() {
		if err := s.Publish(build()); err != nil {
			r.logger.Warnw("broadcast failed", "account", s.account.Name(), "error", err)
		}
	}
}

// PublishPrimary sends node to the primary account. A removed primary is not
// replaced.
func (r *Registry) PublishPrimary(node device.Node) error {
	r.sessionsMu.RLock()
	name := r.primary
	r.sessionsMu.RUnlock()
	if name == "" {
		return apperrors.NewNotFoundError("no primary account")
	}
	return r.Publish(name, node)
}

// Remove closes the account's channel and forgets it.
func (r *Registry) Remove(name string) error {
	r.sessionsMu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.sessionsMu.Unlock()

	if !ok {
		return apperrors.NewNotFoundError("account not found", name)
	}
	r.logger.Infow("account removed", "account", name, "primary", s.account.Primary)
	return s.channel.Close()
}

// Accounts reports every registered account in registration order.
func (r *Registry) Accounts() []Status {
	sessions := r.snapshot()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// Close shuts every channel down and waits for them to stop.
func (r *Registry) Close() {
	sessions := r.snapshot()
	for _, s := range sessions {
		_ = s.channel.Close()
	}
	for _, s := range sessions {
		<-s.channel.Done()
	}
}

func (r *Registry) snapshot() []*Session {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	out := make([]*Session, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sessions[name])
	}
	return out
}

func (r *Registry) notifyOnline(name string) {
	if r.onOnline != nil {
		goroutine.SafeGo(r.logger, "account-online", func() { r.onOnline(name) })
	}
}

func (r *Registry) notifyOffline(name string) {
	if r.onOffline != nil {
		goroutine.SafeGo(r.logger, "account-offline", func() { r.onOffline(name) })
	}
}

func (r *Registry) notifyFatal(name string, err error) {
	r.logger.Errorw("account channel stopped permanently", "account", name, "error", err)
	if r.onFatal != nil {
		r.onFatal(name, err)
	}
}

func (r *Registry) requestRestart(name string) {
	if r.restarter.Request(name) {
		r.logger.Warnw("restart requested", "account", name)
	}
}
