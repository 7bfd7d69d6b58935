package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/easci/sohbet/internal/bgwindow"
	"github.com/easci/sohbet/internal/bus"
	"github.com/easci/sohbet/internal/chat"
	"github.com/easci/sohbet/internal/config"
	"github.com/easci/sohbet/internal/conn"
	"github.com/easci/sohbet/internal/feed"
	"github.com/easci/sohbet/internal/logging"
	"github.com/easci/sohbet/internal/profile"
	"github.com/easci/sohbet/internal/push"
	"github.com/easci/sohbet/internal/receipt"
	"github.com/easci/sohbet/internal/router"
	"github.com/easci/sohbet/internal/status"
	"github.com/easci/sohbet/internal/store"
	"github.com/easci/sohbet/internal/transport"
)

// Params holds the command-line overrides passed to the fx module.
type Params struct {
	Username   string // overrides the configured identity
	ConfigPath string // empty = default profile config path
}

// Daemon bundles the engine's public surfaces for the embedding host:
// message operations, the push entry point, the observable feed and the
// connection controls.
type Daemon struct {
	Chat    *chat.Service
	Push    *push.Handler
	Feed    *feed.Feed
	Windows *bgwindow.Manager
	Conn    *conn.Controller
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSocket,
			provideController,
			provideGrant,
			provideWindowManager,
			provideCoordinator,
			provideChatService,
			provideRouter,
			providePushHandler,
			provideFeed,
			provideDaemon,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.Load(context.Background(), path)
	if err != nil {
		return nil, err
	}
	if p.Username != "" {
		cfg.Username = p.Username
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("no username configured (set username in %s or pass -username)", path)
	}
	if err := profile.ValidateUsername(cfg.Username); err != nil {
		return nil, err
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("no server_url configured in %s", path)
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	if err := profile.EnsureDir(cfg.Username); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(cfg.Username), cfg.Username)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*profile.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", cfg.Username))
	l, err := profile.AcquireLock(profile.Dir(cfg.Username))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(cfg.Username)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideSocket(cfg *config.Config, logger *zap.Logger) *transport.Socket {
	return transport.NewSocket(cfg.ServerURL, logger)
}

func provideController(socket *transport.Socket, machine *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *conn.Controller {
	return conn.New(socket, machine, b, cfg.Username, cfg.ReconnectDelay.Std(), logger)
}

func provideGrant() *bgwindow.ProcessGrant {
	return bgwindow.NewProcessGrant()
}

func provideWindowManager(grant *bgwindow.ProcessGrant, ctrl *conn.Controller, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *bgwindow.Manager {
	return bgwindow.NewManager(grant, ctrl, b, cfg.WindowDeadline.Std(), cfg.IdleGrace.Std(), logger)
}

func provideCoordinator(db *store.DB, ctrl *conn.Controller, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *receipt.Coordinator {
	return receipt.NewCoordinator(db, ctrl, b, cfg.AckTimeout.Std(), logger)
}

func provideChatService(db *store.DB, ctrl *conn.Controller, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *chat.Service {
	return chat.New(db, ctrl, b, cfg.Username, logger)
}

func provideRouter(db *store.DB, ctrl *conn.Controller, svc *chat.Service, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *router.Router {
	return router.New(db, ctrl, svc, b, cfg.Username, logger)
}

func providePushHandler(db *store.DB, windows *bgwindow.Manager, coord *receipt.Coordinator, ctrl *conn.Controller, b *bus.Bus, logger *zap.Logger) *push.Handler {
	return push.NewHandler(db, windows, coord, ctrl, b, logger)
}

func provideFeed(db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *feed.Feed {
	return feed.New(db, b, cfg.Username, logger)
}

func provideDaemon(svc *chat.Service, h *push.Handler, f *feed.Feed, windows *bgwindow.Manager, ctrl *conn.Controller) *Daemon {
	return &Daemon{Chat: svc, Push: h, Feed: f, Windows: windows, Conn: ctrl}
}

func registerLifecycle(lc fx.Lifecycle, d *Daemon, socket *transport.Socket, r *router.Router, coord *receipt.Coordinator, lk *profile.Lock, logger *zap.Logger) {
	ctrl, f := d.Conn, d.Feed
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Inbound frames must have a consumer before the first dial.
			socket.OnFrame(r.HandleFrame)

			coord.Start(context.Background())
			f.Start(context.Background())

			ctrl.Connect()
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(context.Context) error {
			ctrl.Disconnect()
			coord.Stop()
			f.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
