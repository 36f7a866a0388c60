package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/identity"
	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/persist"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/rooms"
	"github.com/Tyrowin/roomchat/internal/router"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store/postgres"
	"github.com/Tyrowin/roomchat/internal/store/redis"
)

const redisKeyPrefix = "roomchat"

// app holds every long-lived component so they can be stopped in order.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	http    *http.Server
	hub     *server.Hub
	outbox  *persist.Outbox
	sub     *redis.Subscription
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.abort(ctx))
		}
	}()

	m := metrics.New()

	store, pg, rdb, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	source, err := a.identitySource(ctx, pg)
	if err != nil {
		return nil, err
	}
	dir := identity.NewDirectory(source, logger.Named("identity"))

	a.hub = server.NewHub(logger.Named("hub"))
	go a.hub.Run()

	outboxCfg := persist.DefaultOutboxConfig()
	outboxCfg.Workers = cfg.Persist.Workers
	outboxCfg.QueueSize = cfg.Persist.QueueSize
	outboxCfg.MaxRetries = cfg.Persist.MaxRetries
	a.outbox = persist.NewOutbox(store, store, outboxCfg, logger.Named("persist"), m)

	roomOpts := rooms.DefaultOptions()
	roomOpts.BacklogCapacity = cfg.Rooms.BacklogCapacity
	roomOpts.MaxContentLength = cfg.Rooms.MaxContentLength

	pres := presence.NewRegistry(dir, logger.Named("presence"))
	reg := rooms.NewRegistry(dir, roomOpts, logger.Named("rooms"))
	rt, err := router.New(router.Config{
		Presence:  pres,
		Rooms:     reg,
		Identity:  dir,
		Transport: a.hub,
		History:   store,
		Recorder:  a.outbox,
		Metrics:   m,
		Logger:    logger.Named("router"),
	})
	if err != nil {
		return nil, err
	}
	if err := rt.WarmStart(ctx, store, cfg.Rooms.DefaultChannels, cfg.Rooms.WarmStartMessages); err != nil {
		return nil, fmt.Errorf("warm start: %w", err)
	}

	if err := a.subscribeProfiles(ctx, rdb, dir, rt); err != nil {
		return nil, err
	}

	tokens, err := auth.NewManager(auth.Config{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Lifetime: cfg.JWT.Lifetime,
	})
	if err != nil {
		return nil, err
	}

	srv, err := server.New(server.OptionsFromConfig(cfg), server.Deps{
		Hub:        a.hub,
		Dispatcher: rt,
		Tokens:     tokens,
		Rooms:      reg,
		Presence:   pres,
		Metrics:    m,
		Logger:     logger.Named("http"),
	})
	if err != nil {
		return nil, err
	}
	a.http = server.CreateServer(cfg.Port, srv.Routes())
	return a, nil
}

// openStore returns the configured backend. pg and rdb are set when that
// backend is in use so identity and profile invalidation can share it.
func (a *app) openStore(ctx context.Context) (persist.Store, *postgres.Store, *redis.Store, error) {
	switch a.cfg.Store.Driver {
	case config.StorePostgres:
		pg, err := postgres.Open(ctx, a.cfg.Store.DatabaseURL, a.log.Named("postgres"))
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, nil, err
		}
		return pg, pg, nil, nil
	case config.StoreRedis:
		rdb, err := redis.Open(ctx, a.cfg.Store.RedisURL, redisKeyPrefix, a.log.Named("redis"))
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		return rdb, nil, rdb, nil
	default:
		a.log.Warn("using in-memory store; rooms and history are lost on restart")
		return persist.NewMemory(), nil, nil, nil
	}
}

func (a *app) identitySource(ctx context.Context, pg *postgres.Store) (identity.Lookup, error) {
	if a.cfg.Identity.Driver == config.IdentityPostgres {
		if pg != nil {
			return pg, nil
		}
		users, err := postgres.Open(ctx, a.cfg.Store.DatabaseURL, a.log.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("identity database: %w", err)
		}
		a.closers = append(a.closers, users.Close)
		if err := users.Migrate(ctx); err != nil {
			return nil, err
		}
		return users, nil
	}

	seeded, err := identity.ParseSeedUsers(a.cfg.Identity.SeedUsers)
	if err != nil {
		return nil, err
	}
	a.log.Info("using static identity directory", zap.Int("users", len(seeded)))
	return identity.NewStatic(seeded...), nil
}

// subscribeProfiles listens for profile change notices when Redis is
// configured, evicting the cached profile and refreshing presence.
func (a *app) subscribeProfiles(ctx context.Context, rdb *redis.Store, dir *identity.Directory, rt *router.Router) error {
	if a.cfg.Store.RedisURL == "" {
		return nil
	}
	if rdb == nil {
		var err error
		rdb, err = redis.Open(ctx, a.cfg.Store.RedisURL, redisKeyPrefix, a.log.Named("redis"))
		if err != nil {
			return fmt.Errorf("profile notifications: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
	}

	sub, err := rdb.SubscribeProfileChanges(context.Background(), a.cfg.Identity.InvalidationChannel,
		func(ctx context.Context, userID string) {
			dir.Invalidate(userID)
			if err := rt.ProfileChanged(ctx, userID); err != nil && chat.CodeOf(err) != chat.CodeNotFound {
				a.log.Warn("refreshing profile", zap.String("user_id", userID), zap.Error(err))
			}
		})
	if err != nil {
		return err
	}
	a.sub = sub
	return nil
}

// Close stops accepting connections, closes live clients, flushes pending
// writes and finally releases the stores.
func (a *app) Close(ctx context.Context) error {
	timeout := a.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	var err error
	if a.http != nil {
		err = multierr.Append(err, server.ShutdownServer(a.http, timeout/2, a.log))
	}
	if a.hub != nil {
		err = multierr.Append(err, a.hub.Shutdown(timeout/2))
	}
	if a.outbox != nil {
		err = multierr.Append(err, a.outbox.Close(ctx))
	}
	if a.sub != nil {
		err = multierr.Append(err, a.sub.Close())
	}
	return multierr.Append(err, a.closeStores())
}

// abort releases whatever a failed startup managed to build.
func (a *app) abort(ctx context.Context) error {
	var err error
	if a.hub != nil {
		err = multierr.Append(err, a.hub.Shutdown(time.Second))
	}
	if a.outbox != nil {
		closeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		err = multierr.Append(err, a.outbox.Close(closeCtx))
	}
	return multierr.Append(err, a.closeStores())
}

func (a *app) closeStores() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
