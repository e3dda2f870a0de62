package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/orris-inc/flowlink/internal/application/account"
	"github.com/orris-inc/flowlink/internal/application/command"
	"github.com/orris-inc/flowlink/internal/application/flowsync"
	"github.com/orris-inc/flowlink/internal/infrastructure/config"
	"github.com/orris-inc/flowlink/internal/infrastructure/flowstore"
	"github.com/orris-inc/flowlink/internal/infrastructure/pubsub"
	"github.com/orris-inc/flowlink/internal/infrastructure/transport"
	httpRouter "github.com/orris-inc/flowlink/internal/interfaces/http"
	"github.com/orris-inc/flowlink/internal/interfaces/http/handlers"
	"github.com/orris-inc/flowlink/internal/shared/hubprotocol/device"
	"github.com/orris-inc/flowlink/internal/shared/logger"
)

const shutdownTimeout = 5 * time.Second

// ExitError asks the process to exit with Code.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit %d: %s", e.Code, e.Reason)
}

// Agent is the composition root: it wires the flow store, the account
// registry, the sync coordinator and the optional relay and status API.
type Agent struct {
	cfg         *config.Config
	store       *flowstore.Store
	registry    *account.Registry
	coordinator *flowsync.Coordinator

	redis  *redis.Client
	relay  *pubsub.Relay
	status *httpRouter.Server

	logger logger.Interface
}

// New builds an agent from cfg. Nothing is started.
func New(cfg *config.Config, log logger.Interface) *Agent {
	store := flowstore.NewStore(cfg.Flow.Path, log)

	actions := command.SystemActions(command.SystemOptions{Flows: store})
	registry := account.NewRegistry(account.Options{
		Device:        cfg.Device,
		Transport:     transportOptions(cfg),
		TransportPath: cfg.Transport.Path,
		QueueCapacity: cfg.Flow.Capacity,
		Dialer:        &transport.WebsocketDialer{HandshakeTimeout: cfg.Transport.HandshakeTimeout()},
		Actions:       actions,
	}, log.Named("registry"))

	coordinator := flowsync.NewCoordinator(store, registry, log)
	actions.Register(device.CatSys, device.ActSyncFlows, coordinator.HandleSyncFlows)

	a := &Agent{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		coordinator: coordinator,
		logger:      log,
	}

	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.relay = pubsub.NewRelay(a.redis, cfg.Redis.Prefix, log.Named("relay"))
	}

	if cfg.Status.Enabled {
		gin.SetMode(gin.ReleaseMode)
		router := httpRouter.NewRouter(handlers.NewStatusHandler(registry, log), log.Named("status"))
		a.status = httpRouter.NewServer(cfg.Status.GetAddr(), router, log.Named("status"))
	}

	registry.SetOnFatal(a.onFatal)
	if a.relay != nil {
		registry.SetOnOnline(a.publishStatus(pubsub.StatusAccountOnline))
		registry.SetOnOffline(a.publishStatus(pubsub.StatusAccountOffline))
	}

	return a
}

func transportOptions(cfg *config.Config) transport.Options {
	t := &cfg.Transport
	opts := transport.DefaultOptions()
	opts.ReconnectBase = t.ReconnectBase()
	opts.ReconnectJitter = t.ReconnectJitter()
	opts.SlowRetryBase = t.SlowRetryBase()
	opts.SlowRetryJitter = t.SlowRetryJitter()
	opts.HeartbeatInterval = t.HeartbeatInterval()
	opts.MaxRedirects = t.MaxRedirects
	opts.MaxAuthRetries = t.MaxAuthRetries
	return opts
}

// Run registers the configured accounts and serves until ctx is done or an
// account requests a restart. A restart is reported as an *ExitError after
// the configured flush delay.
func (a *Agent) Run(ctx context.Context) error {
	if sig, _, err := a.store.Refresh(); err != nil {
		a.logger.Warnw("failed to read flow file", "path", a.cfg.Flow.Path, "error", err)
	} else {
		a.logger.Infow("flow file loaded", "path", a.cfg.Flow.Path, "signature", sig)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	for _, acc := range a.cfg.Accounts {
		if _, err := a.registry.Register(gctx, account.FromConfig(acc)); err != nil {
			a.registry.Close()
			return fmt.Errorf("failed to register account %s: %w", acc.FQN, err)
		}
	}

	g.Go(func() error {
		return a.store.Watch(gctx, a.coordinator.OnChange, a.coordinator.OnRemove)
	})

	if a.relay != nil {
		g.Go(func() error {
			return a.relay.SubscribeCommands(gctx, a.relayCommand)
		})
		g.Go(func() error {
			return a.relay.SubscribeStatus(gctx, func(event pubsub.StatusEvent) {
				a.logger.Debugw("peer account status", "type", event.Type, "account", event.Account, "instance", event.InstanceID)
			})
		})
	}

	if a.status != nil {
		g.Go(a.status.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.status.Shutdown(shutdownCtx)
		})
	}

	var exit error
	restarter := a.registry.Restarter()
	select {
	case <-gctx.Done():
	case <-restarter.Requested():
		a.logger.Warnw("restart requested, exiting", "account", restarter.Reason(), "delay", a.cfg.Restart.Delay())
		select {
		case <-time.After(a.cfg.Restart.Delay()):
		case <-ctx.Done():
		}
		exit = &ExitError{Code: a.cfg.Restart.ExitCode, Reason: "restart requested by " + restarter.Reason()}
	}

	cancel()
	a.registry.Close()
	err := g.Wait()
	if a.redis != nil {
		_ = a.redis.Close()
	}

	if exit != nil {
		return exit
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *Agent) relayCommand(name string, nodes []device.Node) {
	for _, n := range nodes {
		if err := a.registry.Publish(name, n); err != nil {
			a.logger.Warnw("failed to deliver relayed command", "account", name, "error", err)
			return
		}
	}
}

func (a *Agent) onFatal(name string, err error) {
	if a.relay == nil {
		return
	}
	event := pubsub.StatusEvent{Type: pubsub.StatusAccountFailed, Account: name, Error: err.Error()}
	if perr := a.relay.PublishStatus(context.Background(), event); perr != nil {
		a.logger.Warnw("failed to publish account failure", "account", name, "error", perr)
	}
}

func (a *Agent) publishStatus(t pubsub.StatusEventType) func(name string) {
	return func(name string) {
		if err := a.relay.PublishStatus(context.Background(), pubsub.StatusEvent{Type: t, Account: name}); err != nil {
			a.logger.Debugw("failed to publish account status", "account", name, "error", err)
		}
	}
}
