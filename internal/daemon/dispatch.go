package daemon

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/channel"
	"github.com/relaybot/relayd/internal/relay"
)

// Dispatcher feeds inbound channel messages into the relay engine, one
// goroutine per message. Per-contact ordering comes from the engine's keyed
// locks; independent contacts never wait on each other, and a slow fan-out
// cannot back up the channel event callback.
type Dispatcher struct {
	engine *relay.Engine
	logger *zap.Logger
	ctx    context.Context
	closed atomic.Bool
	wg     sync.WaitGroup
}

func NewDispatcher(engine *relay.Engine, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		engine: engine,
		logger: logger.Named("dispatch"),
		ctx:    context.Background(),
	}
}

// Start sets the context under which messages are processed.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx = ctx
}

// Enqueue processes one inbound message on its own goroutine. The message is
// handed over synchronously; nothing is buffered or dropped on the way in.
func (d *Dispatcher) Enqueue(in *channel.Inbound) {
	if d.closed.Load() {
		d.logger.Warn("dispatcher stopped, message not processed",
			zap.String("sender", in.SenderID))
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(d.ctx, in)
	}()
}

// Stop refuses new messages and waits for in-flight ones to finish.
func (d *Dispatcher) Stop() {
	d.closed.Store(true)
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, in *channel.Inbound) {
	result, err := d.engine.HandleInbound(ctx, in)
	if err != nil {
		d.logger.Error("inbound handling failed",
			zap.String("sender", in.SenderID),
			zap.Error(err))
		return
	}
	d.logger.Debug("inbound handled",
		zap.String("sender", in.SenderID),
		zap.String("outcome", string(result.Outcome)))
}
