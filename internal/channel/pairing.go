package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/bus"
)

// PairEventType enumerates pairing lifecycle events.
type PairEventType string

const (
	PairEventQRCode  PairEventType = "qr_code"
	PairEventPaired  PairEventType = "paired"
	PairEventFailed  PairEventType = "failed"
	PairEventTimeout PairEventType = "timeout"
)

// PairEvent is one step of the pairing flow.
type PairEvent struct {
	Type    PairEventType
	QRCode  string
	Message string
}

// StartPairing begins the QR pairing flow. Each QR code is written as a PNG
// to qrPath so it can be scanned from another screen, and events are streamed
// to the bus and the returned channel until pairing resolves.
func (a *Adapter) StartPairing(ctx context.Context, b *bus.Bus, qrPath string) (<-chan PairEvent, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already paired")
	}
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}

	out := make(chan PairEvent, 10)

	go func() {
		defer close(out)

		// Connect must be called after GetQRChannel.
		if err := a.Connect(); err != nil {
			out <- PairEvent{Type: PairEventFailed, Message: err.Error()}
			b.Emit("pairing.failed", err.Error())
			return
		}

		for item := range qrChan {
			switch item.Event {
			case "code":
				if err := qrcode.WriteFile(item.Code, qrcode.Medium, 256, qrPath); err != nil {
					a.logger.Warn("write QR image failed", zap.Error(err))
				}
				out <- PairEvent{Type: PairEventQRCode, QRCode: item.Code}
				b.Publish(bus.Event{
					Kind:      "pairing.qr_generated",
					Timestamp: time.Now(),
					Payload:   qrPath,
				})
			case "success":
				out <- PairEvent{Type: PairEventPaired, Message: "paired"}
				b.Emit("pairing.paired", nil)
				return
			case "timeout":
				out <- PairEvent{Type: PairEventTimeout, Message: "QR code timeout"}
				b.Emit("pairing.failed", "timeout")
				return
			default:
				if item.Error != nil {
					out <- PairEvent{Type: PairEventFailed, Message: item.Error.Error()}
					b.Emit("pairing.failed", item.Error.Error())
					return
				}
			}
		}
	}()

	return out, nil
}
