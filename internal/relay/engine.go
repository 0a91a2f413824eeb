package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/bus"
	"github.com/relaybot/relayd/internal/channel"
	"github.com/relaybot/relayd/internal/gate"
	"github.com/relaybot/relayd/internal/lock"
	"github.com/relaybot/relayd/internal/notify"
	"github.com/relaybot/relayd/internal/store"
	"github.com/relaybot/relayd/internal/verify"
)

// Engine runs the relay pipeline: verification gating, content screening,
// quiet-hours policy, operator fan-out and reply correlation. All state lives
// in the store; the engine itself only holds per-contact locks and limiters.
type Engine struct {
	db       *store.DB
	ch       channel.Channel
	verifier *verify.Machine
	gate     *gate.Gate
	policy   *notify.Policy
	bus      *bus.Bus
	logger   *zap.Logger
	locks    *lock.Keyed
	limiters *limiterPool
	cfg      Config
}

// NewEngine wires the relay engine.
func NewEngine(db *store.DB, ch channel.Channel, verifier *verify.Machine, g *gate.Gate,
	policy *notify.Policy, b *bus.Bus, logger *zap.Logger, cfg Config) *Engine {
	if cfg.ResolveWindow <= 0 {
		cfg.ResolveWindow = 200
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	return &Engine{
		db:       db,
		ch:       ch,
		verifier: verifier,
		gate:     g,
		policy:   policy,
		bus:      b,
		logger:   logger.Named("relay"),
		locks:    lock.NewKeyed(32),
		limiters: newLimiterPool(cfg.RatePerSecond, cfg.RateBurst),
		cfg:      cfg,
	}
}

// Allow checks the per-contact rate limiter for callers outside the channel
// path (the web inbound endpoint).
func (e *Engine) Allow(key string) bool {
	return e.limiters.allow(key)
}

// HandleInbound processes one channel message, dispatching on whether the
// sender is an operator or a contact.
func (e *Engine) HandleInbound(ctx context.Context, in *channel.Inbound) (Result, error) {
	if in.FromMe || in.SenderID == "" {
		return Result{Outcome: OutcomeDropped}, nil
	}
	isOp, err := e.db.IsOperator(in.SenderID)
	if err != nil {
		return Result{}, err
	}
	if isOp {
		return e.handleOperator(ctx, in)
	}
	return e.handleContact(ctx, in)
}

func (e *Engine) handleContact(ctx context.Context, in *channel.Inbound) (Result, error) {
	if !e.limiters.allow(in.SenderID) {
		e.logger.Debug("rate limited", zap.String("sender", in.SenderID))
		return Result{Outcome: OutcomeDropped}, nil
	}

	contact, created, err := e.db.UpsertPlatformContact(in.SenderID, in.SenderName)
	if err != nil {
		return Result{}, err
	}
	if created {
		e.bus.Emit("relay.contact_new", map[string]any{"contact_id": contact.ID})
	}

	gateRes, err := e.verifier.Gate(contact.ID)
	if err != nil {
		return Result{}, err
	}
	switch gateRes.State {
	case verify.StateBlocked:
		// Blocked contacts are ignored without a response.
		return Result{Outcome: OutcomeBlocked}, nil
	case verify.StateTempRestricted:
		e.sendToContact(ctx, contact, restrictedNotice(gateRes.RetryAfter))
		return Result{Outcome: OutcomeBlocked}, nil
	case verify.StateUnverified:
		e.sendToContact(ctx, contact, challengePrompt(gateRes.Challenge))
		return Result{Outcome: OutcomeChallenge, Challenge: gateRes.Challenge}, nil
	case verify.StateChallengePending:
		// Only a plausible answer is consumed as one; ordinary chatter gets
		// a reminder and does not burn an attempt.
		answer := strings.TrimSpace(in.Body)
		if !verify.PlausibleAnswer(answer) {
			e.sendToContact(ctx, contact, "Please answer the verification question first. Your message will go through right after.")
			return Result{Outcome: OutcomeChallenge}, nil
		}
		return e.HandleChallengeAnswer(ctx, contact.ID, answer)
	}

	// Verified or trusted: relay.
	if strings.HasPrefix(strings.TrimSpace(in.Body), "/") {
		return Result{Outcome: OutcomeDropped}, nil
	}
	return e.RelayInbound(ctx, contact, in.Body, in.Kind, in.MsgID)
}

// RelayInbound screens and delivers one message from a verified contact.
// The per-contact lock spans screening, fan-out and persistence so a
// contact's messages are recorded in arrival order.
func (e *Engine) RelayInbound(ctx context.Context, contact *store.Contact, body, kind, originMsgID string) (Result, error) {
	key := fmt.Sprintf("relay:%d", contact.ID)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	verdict, err := e.gate.Classify(body)
	if err != nil {
		return Result{}, err
	}

	msg := &store.Message{
		ContactID:    contact.ID,
		Direction:    store.DirectionIn,
		Kind:         kind,
		Body:         body,
		OriginMsgID:  originMsgID,
		Flagged:      verdict.Flagged(),
		FlaggedTerms: verdict.Matched,
	}

	if verdict.Blocked() {
		if err := e.db.InsertMessage(msg); err != nil {
			return Result{}, err
		}
		_ = e.db.BumpContactActivity(contact.ID)
		e.bus.Emit("relay.blocked", map[string]any{"contact_id": contact.ID, "message_id": msg.ID})
		e.sendToContact(ctx, contact, "Your message could not be delivered.")
		return Result{Outcome: OutcomeBlocked, Message: msg}, nil
	}

	if e.policy.IsQuiet(time.Now()) {
		if err := e.db.InsertMessage(msg); err != nil {
			return Result{}, err
		}
		_ = e.db.BumpContactActivity(contact.ID)
		e.bus.Emit("relay.held", map[string]any{"contact_id": contact.ID, "message_id": msg.ID})
		e.autoReply(ctx, contact)
		return Result{Outcome: OutcomeHeld, Message: msg}, nil
	}

	roster, err := e.roster()
	if err != nil {
		return Result{}, err
	}
	copies, failed := e.fanOut(ctx, roster, forwardText(contact, body), verdict.Matched)
	msg.DeliveredCopies = copies
	for _, op := range roster {
		if id, ok := copies[op.ExternalID]; ok {
			msg.CopyID = id
			break
		}
	}
	if err := e.db.InsertMessage(msg); err != nil {
		return Result{}, err
	}
	_ = e.db.BumpContactActivity(contact.ID)
	e.bus.Emit("relay.inbound", map[string]any{
		"contact_id": contact.ID,
		"message_id": msg.ID,
		"delivered":  len(copies),
		"failed":     failed,
	})
	e.autoReply(ctx, contact)
	return Result{Outcome: OutcomeDelivered, Message: msg, Delivered: len(copies), Failed: failed}, nil
}

// HandleChallengeAnswer evaluates a challenge answer for the contact and
// notifies platform contacts of the result. State precedence applies first:
// blocked and restricted contacts cannot answer, and a restricted contact
// never receives a fresh challenge.
func (e *Engine) HandleChallengeAnswer(ctx context.Context, contactID int64, answer string) (Result, error) {
	contact, err := e.db.GetContact(contactID)
	if err != nil {
		return Result{}, err
	}
	if contact == nil {
		return Result{}, fmt.Errorf("contact %d not found", contactID)
	}
	switch verify.StateOf(contact, time.Now()) {
	case verify.StateBlocked:
		return Result{Outcome: OutcomeBlocked}, nil
	case verify.StateTempRestricted:
		until := time.UnixMilli(contact.TempRestrictedUntil)
		e.sendToContact(ctx, contact, restrictedNotice(time.Until(until)))
		return Result{
			Outcome: OutcomeBlocked,
			Verify:  &verify.Outcome{Kind: verify.OutcomeBanned, BannedUntil: until},
		}, nil
	case verify.StateTrusted, verify.StateVerified:
		return Result{
			Outcome: OutcomeDropped,
			Verify:  &verify.Outcome{Kind: verify.OutcomeSuccess},
		}, nil
	}

	out, err := e.verifier.Answer(contactID, answer)
	if err != nil {
		return Result{}, err
	}
	res := Result{Outcome: OutcomeChallenge, Verify: &out}

	switch out.Kind {
	case verify.OutcomeSuccess:
		e.sendToContact(ctx, contact, "Thanks, you're verified. Send your message again and it will be passed on.")
	case verify.OutcomeWrongAnswer:
		e.sendToContact(ctx, contact, fmt.Sprintf("That's not right. %d attempt(s) left.", out.Remaining))
	case verify.OutcomeBanned:
		e.sendToContact(ctx, contact, restrictedNotice(time.Until(out.BannedUntil)))
	case verify.OutcomeExpired:
		// Issue a fresh challenge so the contact isn't stuck.
		ch, err := e.verifier.Reissue(contactID)
		if err != nil {
			return Result{}, err
		}
		res.Challenge = ch
		e.sendToContact(ctx, contact, "That challenge expired. Here's a new one.\n\n"+challengePrompt(ch))
	}
	return res, nil
}

func (e *Engine) handleOperator(ctx context.Context, in *channel.Inbound) (Result, error) {
	body := strings.TrimSpace(in.Body)
	if in.QuotedID == "" {
		if strings.HasPrefix(body, "/") {
			return e.handleCommand(ctx, in.SenderID, body)
		}
		e.sendToOperator(ctx, in.SenderID, "Reply to a forwarded message to answer it, or use /help.")
		return Result{Outcome: OutcomeDropped}, nil
	}

	res, err := e.HandleOperatorReply(ctx, in.SenderID, in.QuotedID, in.Body)
	if errors.Is(err, ErrUnresolved) {
		e.sendToOperator(ctx, in.SenderID, "Couldn't match that reply to a relayed message.")
		return Result{Outcome: OutcomeDropped}, nil
	}
	return res, err
}

// HandleOperatorReply correlates a reply against delivered copies and relays
// it back to the originating contact.
func (e *Engine) HandleOperatorReply(ctx context.Context, operatorExtID, copyID, body string) (Result, error) {
	msg, err := e.ResolveReply(copyID, operatorExtID)
	if err != nil {
		return Result{}, err
	}
	contact, err := e.db.GetContact(msg.ContactID)
	if err != nil {
		return Result{}, err
	}
	if contact == nil {
		return Result{}, ErrUnresolved
	}
	_ = e.db.MarkMessageRead(msg.ID)

	var operatorID int64
	if op, err := e.db.GetOperatorByExternalID(operatorExtID); err == nil && op != nil {
		operatorID = op.ID
	}
	return e.RelayOutbound(ctx, contact, body, operatorID)
}

// RelayOutbound delivers a text to a contact and records it. The row is
// written even when channel delivery fails; the delivery error is returned.
func (e *Engine) RelayOutbound(ctx context.Context, contact *store.Contact, body string, operatorID int64) (Result, error) {
	var sendErr error
	var sentID string
	if contact.Origin == store.OriginPlatform {
		tctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		sentID, sendErr = e.ch.SendToContact(tctx, contact.ExternalID, body)
		cancel()
		if sendErr != nil {
			e.logger.Warn("outbound delivery failed",
				zap.Int64("contact_id", contact.ID),
				zap.Error(sendErr))
		}
	}

	msg := &store.Message{
		ContactID:   contact.ID,
		Direction:   store.DirectionOut,
		Kind:        "text",
		Body:        body,
		OriginMsgID: sentID,
		OperatorID:  operatorID,
		Read:        true,
	}
	if err := e.db.InsertMessage(msg); err != nil {
		return Result{}, err
	}
	_ = e.db.BumpContactActivity(contact.ID)
	e.bus.Emit("relay.outbound", map[string]any{"contact_id": contact.ID, "message_id": msg.ID})

	res := Result{Outcome: OutcomeDelivered, Message: msg}
	if sendErr != nil {
		res.Outcome = OutcomeDropped
		res.Failed = 1
	}
	return res, sendErr
}

// roster returns the operators to fan out to: the store's active roster, or
// the configured admin list when the table is empty.
func (e *Engine) roster() ([]store.Operator, error) {
	ops, err := e.db.ListEligibleOperators()
	if err != nil {
		return nil, err
	}
	if len(ops) > 0 {
		return ops, nil
	}
	var fallback []store.Operator
	for _, id := range e.cfg.AdminIDs {
		fallback = append(fallback, store.Operator{ExternalID: id})
	}
	return fallback, nil
}

// autoReply acknowledges the contact's message when auto-replies are on.
// Failures are ignored; the acknowledgement is best-effort.
func (e *Engine) autoReply(ctx context.Context, contact *store.Contact) {
	text := e.policy.AutoReply()
	if text == "" {
		return
	}
	e.sendToContact(ctx, contact, text)
}

func (e *Engine) sendToContact(ctx context.Context, contact *store.Contact, text string) {
	if contact == nil || contact.Origin != store.OriginPlatform {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	if _, err := e.ch.SendToContact(tctx, contact.ExternalID, text); err != nil {
		e.logger.Warn("notify contact failed", zap.Int64("contact_id", contact.ID), zap.Error(err))
	}
}

func (e *Engine) sendToOperator(ctx context.Context, operatorExtID, text string) {
	tctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	if _, err := e.ch.SendToOperator(tctx, operatorExtID, text); err != nil {
		e.logger.Warn("notify operator failed", zap.String("operator", operatorExtID), zap.Error(err))
	}
}

func forwardText(contact *store.Contact, body string) string {
	from := contact.DisplayName
	if from == "" {
		from = contact.Email
	}
	addr := contact.ExternalID
	if addr == "" {
		addr = contact.Email
	}
	return fmt.Sprintf("From %s (%s):\n%s", from, addr, body)
}

func restrictedNotice(retry time.Duration) string {
	minutes := int(retry.Minutes()) + 1
	return fmt.Sprintf("Too many failed attempts. Try again in about %d minute(s).", minutes)
}

func challengePrompt(ch *verify.Challenge) string {
	if ch == nil {
		return ""
	}
	if ch.Kind == verify.ModeButton {
		return "Quick check before your message is passed on: reply with the word \"human\"."
	}
	return fmt.Sprintf("Quick check before your message is passed on.\n%s\nReply with one of: %s",
		ch.Question, strings.Join(ch.Options, ", "))
}
