package relay

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/store"
)

// fanOut delivers text to every operator concurrently, each attempt under its
// own timeout. A failed attempt is logged and skipped; the rest still go out.
// Returns the copy ids per operator external id and the failure count.
func (e *Engine) fanOut(ctx context.Context, roster []store.Operator, text string, flaggedTerms []string) (map[string]string, int) {
	copies := make(map[string]string, len(roster))
	failed := 0

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, op := range roster {
		wg.Add(1)
		go func(op store.Operator) {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
			defer cancel()

			copyID, err := e.ch.ForwardToOperator(tctx, op.ExternalID, text)
			if err != nil {
				e.logger.Warn("fan-out delivery failed",
					zap.String("operator", op.ExternalID),
					zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			mu.Lock()
			copies[op.ExternalID] = copyID
			mu.Unlock()

			if len(flaggedTerms) > 0 {
				// Best effort; the forward already landed.
				warning := "Heads up: this message matched flagged terms: " + strings.Join(flaggedTerms, ", ")
				if _, err := e.ch.SendToOperator(tctx, op.ExternalID, warning); err != nil {
					e.logger.Debug("flag warning failed", zap.String("operator", op.ExternalID), zap.Error(err))
				}
			}
		}(op)
	}
	wg.Wait()
	return copies, failed
}
