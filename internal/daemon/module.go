package daemon

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/bus"
	"github.com/relaybot/relayd/internal/channel"
	"github.com/relaybot/relayd/internal/config"
	"github.com/relaybot/relayd/internal/gate"
	"github.com/relaybot/relayd/internal/httpd"
	"github.com/relaybot/relayd/internal/lock"
	"github.com/relaybot/relayd/internal/logging"
	"github.com/relaybot/relayd/internal/notify"
	"github.com/relaybot/relayd/internal/relay"
	"github.com/relaybot/relayd/internal/retention"
	"github.com/relaybot/relayd/internal/stats"
	"github.com/relaybot/relayd/internal/store"
	"github.com/relaybot/relayd/internal/verify"
)

// Params holds the startup configuration passed to the fx module.
type Params struct {
	ConfigPath string
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
			provideLock,
			provideStore,
			provideRegistry,
			provideAdapter,
			provideVerifier,
			provideGate,
			providePolicy,
			provideEngine,
			provideDispatcher,
			provideRecorder,
			provideRetention,
			provideServer,
		),
		fx.Invoke(seed, registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
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
	logger.Info("store initialized", zap.String("path", cfg.DBPath()))
	return db, nil
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideAdapter(cfg *config.Config, logger *zap.Logger) (*channel.Adapter, error) {
	return channel.NewAdapter(context.Background(), cfg.ChannelDBPath(), logger)
}

func provideVerifier(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *verify.Machine {
	return verify.NewMachine(db, b, logger, verify.Config{
		Mode:        cfg.Verification.Mode,
		Timeout:     time.Duration(cfg.Verification.TimeoutSeconds) * time.Second,
		MaxFails:    cfg.Verification.MaxFails,
		BanDuration: time.Duration(cfg.Verification.BanSeconds) * time.Second,
	})
}

func provideGate(db *store.DB, logger *zap.Logger) *gate.Gate {
	return gate.New(db, logger)
}

func providePolicy(cfg *config.Config, db *store.DB, logger *zap.Logger) *notify.Policy {
	return notify.NewPolicy(db, logger, notify.Config{
		QuietEnabled:     cfg.QuietHours.Enabled,
		QuietStartHour:   cfg.QuietHours.StartHour,
		QuietEndHour:     cfg.QuietHours.EndHour,
		AutoReplyEnabled: cfg.AutoReply.Enabled,
		AutoReplyMessage: cfg.AutoReply.Message,
	})
}

func provideEngine(cfg *config.Config, db *store.DB, adapter *channel.Adapter, verifier *verify.Machine,
	g *gate.Gate, policy *notify.Policy, b *bus.Bus, logger *zap.Logger) *relay.Engine {
	return relay.NewEngine(db, adapter, verifier, g, policy, b, logger, relay.Config{
		ResolveWindow:  cfg.Relay.ResolveWindow,
		AttemptTimeout: time.Duration(cfg.Relay.AttemptTimeout) * time.Second,
		AdminIDs:       cfg.Channel.AdminIDs,
		RatePerSecond:  cfg.RateLimit.PerSecond,
		RateBurst:      cfg.RateLimit.Burst,
	})
}

func provideDispatcher(engine *relay.Engine, logger *zap.Logger) *Dispatcher {
	return NewDispatcher(engine, logger)
}

func provideRecorder(db *store.DB, b *bus.Bus, reg *prometheus.Registry, logger *zap.Logger) *stats.Recorder {
	return stats.NewRecorder(db, b, reg, logger)
}

func provideRetention(cfg *config.Config, db *store.DB, logger *zap.Logger) (*retention.Job, error) {
	return retention.NewJob(db, logger, retention.Config{
		Cron:    cfg.Retention.Cron,
		MaxDays: cfg.Retention.MaxDays,
	})
}

func provideServer(cfg *config.Config, db *store.DB, engine *relay.Engine, verifier *verify.Machine,
	reg *prometheus.Registry, logger *zap.Logger) *httpd.Server {
	return httpd.NewServer(db, engine, verifier, reg, logger, httpd.Config{
		Listen:     cfg.HTTP.Listen,
		AdminToken: cfg.HTTP.AdminToken,
	})
}

// seed bootstraps the primary operator from config and imports the sensitive
// word seed file when the table is still empty.
func seed(cfg *config.Config, db *store.DB, g *gate.Gate, logger *zap.Logger) error {
	if len(cfg.Channel.AdminIDs) > 0 {
		if err := db.EnsurePrimaryOperator(cfg.Channel.AdminIDs[0], "admin"); err != nil {
			return err
		}
		for _, id := range cfg.Channel.AdminIDs[1:] {
			existing, err := db.GetOperatorByExternalID(id)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			op := &store.Operator{ExternalID: id, Name: "admin", ReceivesMessages: true, Active: true}
			if err := db.UpsertOperator(op); err != nil {
				return err
			}
		}
	}

	if cfg.TermsFile != "" {
		terms, err := db.ListTerms()
		if err != nil {
			return err
		}
		if len(terms) == 0 {
			if _, err := g.ImportFile(cfg.TermsFile); err != nil {
				logger.Warn("terms seed import failed", zap.Error(err))
			}
		}
	}
	return nil
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *httpd.Server, lk *lock.Lock,
	adapter *channel.Adapter, dispatcher *Dispatcher, recorder *stats.Recorder,
	job *retention.Job, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Consumers must be ready before any channel event can arrive.
			recorder.Start(context.Background())
			dispatcher.Start(context.Background())
			job.Start(context.Background())

			handler := channel.NewEventHandler(b, logger)
			handler.OnInbound(dispatcher.Enqueue)
			adapter.RegisterEventHandler(handler.Handle)

			if err := srv.Start(); err != nil {
				return err
			}

			if adapter.IsLoggedIn() {
				go func() {
					if err := adapter.Connect(); err != nil {
						logger.Error("channel connect failed", zap.Error(err))
					}
				}()
			} else {
				logger.Info("no channel credentials, starting pairing",
					zap.String("qr_path", cfg.QRPath()))
				go runPairing(adapter, b, cfg.QRPath(), logger)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("http shutdown error", zap.Error(err))
			}
			job.Stop()
			dispatcher.Stop()
			recorder.Stop()
			adapter.Disconnect()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// runPairing drives the QR pairing flow until it resolves, logging each step.
func runPairing(adapter *channel.Adapter, b *bus.Bus, qrPath string, logger *zap.Logger) {
	events, err := adapter.StartPairing(context.Background(), b, qrPath)
	if err != nil {
		logger.Error("start pairing failed", zap.Error(err))
		return
	}
	for evt := range events {
		switch evt.Type {
		case channel.PairEventQRCode:
			logger.Info("scan the QR code to pair", zap.String("path", qrPath))
		case channel.PairEventPaired:
			logger.Info("channel paired")
		case channel.PairEventTimeout, channel.PairEventFailed:
			logger.Error("pairing failed", zap.String("reason", evt.Message))
		}
	}
}
