package relay

import (
	"errors"
	"time"

	"github.com/relaybot/relayd/internal/store"
	"github.com/relaybot/relayd/internal/verify"
)

// Outcomes for an inbound message after the full pipeline ran.
type Outcome string

const (
	// OutcomeDelivered: stored and fanned out to the operator roster.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeHeld: stored during quiet hours, no operator was disturbed.
	OutcomeHeld Outcome = "held"
	// OutcomeBlocked: rejected, either by contact state or the word gate.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeChallenge: the contact is inside the verification flow.
	OutcomeChallenge Outcome = "challenge"
	// OutcomeDropped: ignored (rate limit, command, unresolvable reply).
	OutcomeDropped Outcome = "dropped"
)

// Result reports what the engine did with one message. Message is set when a
// row was persisted; Challenge when a fresh challenge went out; Verify when
// the message was consumed as a challenge answer.
type Result struct {
	Outcome   Outcome
	Message   *store.Message
	Challenge *verify.Challenge
	Verify    *verify.Outcome
	Delivered int
	Failed    int
}

// Config carries the relay policy knobs.
type Config struct {
	// ResolveWindow bounds the reverse scan during reply resolution.
	ResolveWindow int
	// AttemptTimeout bounds each individual fan-out delivery.
	AttemptTimeout time.Duration
	// AdminIDs is the fallback operator roster when the table is empty.
	AdminIDs []string
	// Rate limiting for per-contact inbound traffic.
	RatePerSecond float64
	RateBurst     int
}

// ErrUnresolved is returned when a reply cannot be correlated with any
// delivered copy. The engine never guesses a destination.
var ErrUnresolved = errors.New("reply target unresolved")
