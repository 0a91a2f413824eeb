package stats

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/bus"
	"github.com/relaybot/relayd/internal/store"
)

// Recorder listens for relay and verification events on the bus and bumps
// both the prometheus counters and the daily_stats row. Recording failures
// are logged and swallowed; stats never fail the relay path.
type Recorder struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	inbound  prometheus.Counter
	outbound prometheus.Counter
	held     prometheus.Counter
	blocked  prometheus.Counter
	contacts prometheus.Counter
	attempts prometheus.Counter
	passed   prometheus.Counter
	banned   prometheus.Counter
}

// NewRecorder creates the stats recorder and registers its counters.
func NewRecorder(db *store.DB, b *bus.Bus, reg prometheus.Registerer, logger *zap.Logger) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		db:     db,
		bus:    b,
		logger: logger.Named("stats"),

		inbound: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_messages_inbound_total",
			Help: "Inbound messages relayed to operators.",
		}),
		outbound: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_messages_outbound_total",
			Help: "Outbound messages relayed to contacts.",
		}),
		held: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_messages_held_total",
			Help: "Messages held during quiet hours.",
		}),
		blocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_messages_blocked_total",
			Help: "Messages rejected by the sensitive-word gate.",
		}),
		contacts: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_contacts_new_total",
			Help: "Newly created contacts.",
		}),
		attempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_verification_attempts_total",
			Help: "Challenge answers evaluated.",
		}),
		passed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_verification_passed_total",
			Help: "Contacts that passed verification.",
		}),
		banned: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_verification_banned_total",
			Help: "Contacts temporarily restricted after failed verification.",
		}),
	}
}

// Start subscribes to relay and verify events on the bus.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	relayCh, unsubRelay := r.bus.Subscribe("relay.", 256)
	verifyCh, unsubVerify := r.bus.Subscribe("verify.", 256)

	go func() {
		defer unsubRelay()
		defer unsubVerify()
		for {
			select {
			case evt := <-relayCh:
				r.handleEvent(evt)
			case evt := <-verifyCh:
				r.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the recorder.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Recorder) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "relay.inbound":
		r.inbound.Inc()
		r.bump(store.StatIncomingMessages)
		r.bump(store.StatTotalMessages)
	case "relay.held":
		r.held.Inc()
		r.bump(store.StatIncomingMessages)
		r.bump(store.StatTotalMessages)
	case "relay.outbound":
		r.outbound.Inc()
		r.bump(store.StatOutgoingMessages)
		r.bump(store.StatTotalMessages)
	case "relay.blocked":
		r.blocked.Inc()
		r.bump(store.StatBlockedMessages)
	case "relay.contact_new":
		r.contacts.Inc()
		r.bump(store.StatNewContacts)
	case "verify.attempt":
		r.attempts.Inc()
		r.bump(store.StatVerificationAttempts)
	case "verify.passed":
		r.passed.Inc()
		r.bump(store.StatVerificationSuccess)
	case "verify.banned":
		r.banned.Inc()
	}
}

func (r *Recorder) bump(column string) {
	if err := r.db.BumpDailyStat(column); err != nil {
		r.logger.Warn("bump daily stat failed", zap.String("column", column), zap.Error(err))
	}
}
