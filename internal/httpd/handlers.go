package httpd

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/relay"
	"github.com/relaybot/relayd/internal/store"
	"github.com/relaybot/relayd/internal/verify"
)

type challengeJSON struct {
	Kind      string   `json:"kind"`
	Question  string   `json:"question,omitempty"`
	Options   []string `json:"options"`
	ExpiresAt int64    `json:"expires_at"`
}

func toChallengeJSON(ch *verify.Challenge) *challengeJSON {
	if ch == nil {
		return nil
	}
	return &challengeJSON{
		Kind:      ch.Kind,
		Question:  ch.Question,
		Options:   ch.Options,
		ExpiresAt: ch.ExpiresAt.UnixMilli(),
	}
}

type messageJSON struct {
	ID        int64  `json:"id"`
	Direction string `json:"direction"`
	Kind      string `json:"kind"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
}

// sessionContact authenticates a web request by its bearer session token.
func (s *Server) sessionContact(ctx *fasthttp.RequestCtx) *store.Contact {
	token := bearerToken(ctx)
	if token == "" {
		writeError(ctx, fasthttp.StatusUnauthorized, "missing session token")
		return nil
	}
	contact, err := s.db.GetContactByToken(token)
	if err != nil {
		s.logger.Error("session lookup failed", zap.Error(err))
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return nil
	}
	if contact == nil {
		writeError(ctx, fasthttp.StatusUnauthorized, "invalid session token")
		return nil
	}
	return contact
}

// handleOpenSession creates or resumes a web contact session for an email.
// The token is rotated on every call; only the latest one is valid.
func (s *Server) handleOpenSession(ctx *fasthttp.RequestCtx) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid json")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid email")
		return
	}

	token := uuid.NewString()
	contact, err := s.db.GetContactByEmail(email)
	if err != nil {
		s.logger.Error("email lookup failed", zap.Error(err))
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	if contact != nil {
		if err := s.db.UpdateSessionToken(contact.ID, token); err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
			return
		}
	} else {
		contact, err = s.db.CreateWebContact(email, token)
		if err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
			return
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"contact_id": contact.ID,
		"token":      token,
	})
}

// handleWebInbound accepts a message from a web contact and runs it through
// the same pipeline as channel traffic. Verification results come back in the
// response body instead of a channel send.
func (s *Server) handleWebInbound(ctx *fasthttp.RequestCtx) {
	contact := s.sessionContact(ctx)
	if contact == nil {
		return
	}
	var req struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || strings.TrimSpace(req.Body) == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "missing body")
		return
	}
	if !s.engine.Allow("web:" + contact.Email) {
		writeError(ctx, fasthttp.StatusTooManyRequests, "rate limited")
		return
	}

	gateRes, err := s.verifier.Gate(contact.ID)
	if err != nil {
		s.logger.Error("gate failed", zap.Error(err))
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	switch gateRes.State {
	case verify.StateBlocked:
		writeError(ctx, fasthttp.StatusForbidden, "blocked")
		return
	case verify.StateTempRestricted:
		writeJSON(ctx, fasthttp.StatusTooManyRequests, map[string]any{
			"error":               "temporarily restricted",
			"retry_after_seconds": int(gateRes.RetryAfter.Seconds()) + 1,
		})
		return
	case verify.StateUnverified:
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"outcome":   "challenge",
			"challenge": toChallengeJSON(gateRes.Challenge),
		})
		return
	case verify.StateChallengePending:
		writeJSON(ctx, fasthttp.StatusConflict, map[string]any{
			"outcome": "challenge_pending",
		})
		return
	}

	res, err := s.engine.RelayInbound(ctx, contact, req.Body, "text", "")
	if err != nil {
		s.logger.Error("relay failed", zap.Error(err))
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"outcome":    string(res.Outcome),
		"message_id": res.Message.ID,
		"delivered":  res.Delivered,
		"failed":     res.Failed,
	})
}

// handleWebChallenge evaluates a web contact's challenge answer.
func (s *Server) handleWebChallenge(ctx *fasthttp.RequestCtx) {
	contact := s.sessionContact(ctx)
	if contact == nil {
		return
	}
	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid json")
		return
	}

	res, err := s.engine.HandleChallengeAnswer(ctx, contact.ID, strings.TrimSpace(req.Answer))
	if err != nil {
		s.logger.Error("challenge answer failed", zap.Error(err))
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	if res.Verify == nil {
		writeError(ctx, fasthttp.StatusForbidden, "blocked")
		return
	}
	out := map[string]any{"result": string(res.Verify.Kind)}
	switch res.Verify.Kind {
	case verify.OutcomeWrongAnswer:
		out["remaining"] = res.Verify.Remaining
	case verify.OutcomeBanned:
		out["banned_until"] = res.Verify.BannedUntil.UnixMilli()
	case verify.OutcomeExpired:
		out["challenge"] = toChallengeJSON(res.Challenge)
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

// handleWebPoll returns the contact's messages after the given id, so the
// widget can poll for operator replies.
func (s *Server) handleWebPoll(ctx *fasthttp.RequestCtx) {
	contact := s.sessionContact(ctx)
	if contact == nil {
		return
	}
	afterID, _ := strconv.ParseInt(string(ctx.QueryArgs().Peek("after_id")), 10, 64)
	msgs, err := s.db.ListContactMessages(contact.ID, afterID, 50)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			ID:        m.ID,
			Direction: m.Direction,
			Kind:      m.Kind,
			Body:      m.Body,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"messages": out})
}

// handleOperatorReply relays an operator's reply through the correlation
// path, for operators working from a dashboard instead of the channel.
func (s *Server) handleOperatorReply(ctx *fasthttp.RequestCtx) {
	var req struct {
		OperatorID string `json:"operator_id"`
		CopyID     string `json:"copy_id"`
		Body       string `json:"body"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Body == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "missing body")
		return
	}
	res, err := s.engine.HandleOperatorReply(ctx, req.OperatorID, req.CopyID, req.Body)
	if errors.Is(err, relay.ErrUnresolved) {
		writeError(ctx, fasthttp.StatusNotFound, "reply target unresolved")
		return
	}
	if err != nil && res.Message == nil {
		s.logger.Error("operator reply failed", zap.Error(err))
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	out := map[string]any{
		"outcome":    string(res.Outcome),
		"message_id": res.Message.ID,
	}
	if err != nil {
		// Recorded but not delivered.
		out["delivery_error"] = err.Error()
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (s *Server) handleListContacts(ctx *fasthttp.RequestCtx) {
	limit, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("limit")))
	offset, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("offset")))
	contacts, err := s.db.ListContacts(limit, offset)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"contacts": contacts})
}

// handleContactAction dispatches /admin/contacts/{id}/{action}.
func (s *Server) handleContactAction(ctx *fasthttp.RequestCtx, rest string) {
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		writeError(ctx, fasthttp.StatusNotFound, "not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid contact id")
		return
	}

	switch parts[1] {
	case relay.ActionBlock, relay.ActionUnblock, relay.ActionTrust, relay.ActionUntrust:
		var req struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(ctx.PostBody(), &req)
		if err := s.engine.AdminAction(parts[1], id, req.Reason); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, err.Error())
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})

	case "tags":
		var req struct {
			Add    []string `json:"add"`
			Remove []string `json:"remove"`
		}
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid json")
			return
		}
		for _, tag := range req.Add {
			if err := s.engine.AddTag(id, tag); err != nil {
				writeError(ctx, fasthttp.StatusBadRequest, err.Error())
				return
			}
		}
		for _, tag := range req.Remove {
			if err := s.engine.RemoveTag(id, tag); err != nil {
				writeError(ctx, fasthttp.StatusBadRequest, err.Error())
				return
			}
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})

	default:
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

func (s *Server) handleListTerms(ctx *fasthttp.RequestCtx) {
	terms, err := s.db.ListTerms()
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"terms": terms})
}

func (s *Server) handleUpsertTerm(ctx *fasthttp.RequestCtx) {
	var req struct {
		Word   string `json:"word"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || strings.TrimSpace(req.Word) == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "missing word")
		return
	}
	if req.Action == "" {
		req.Action = store.ActionWarn
	}
	if req.Action != store.ActionWarn && req.Action != store.ActionBlock {
		writeError(ctx, fasthttp.StatusBadRequest, "action must be warn or block")
		return
	}
	if err := s.db.UpsertTerm(strings.TrimSpace(req.Word), req.Action); err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteTerm(ctx *fasthttp.RequestCtx) {
	word := string(ctx.QueryArgs().Peek("word"))
	if word == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "missing word")
		return
	}
	removed, err := s.db.DeleteTerm(word)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	if !removed {
		writeError(ctx, fasthttp.StatusNotFound, "term not found")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSettings(ctx *fasthttp.RequestCtx) {
	settings, err := s.db.AllSettings()
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"settings": settings})
}

// handlePutSettings upserts the given keys. An empty value deletes the key,
// reverting it to the file default.
func (s *Server) handlePutSettings(ctx *fasthttp.RequestCtx) {
	var req map[string]string
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid json")
		return
	}
	for k, v := range req {
		var err error
		if v == "" {
			err = s.db.DeleteSetting(k)
		} else {
			err = s.db.SetSetting(k, v)
		}
		if err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
			return
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

// handleSearchMessages runs a full-text search over relayed history.
func (s *Server) handleSearchMessages(ctx *fasthttp.RequestCtx) {
	query := strings.TrimSpace(string(ctx.QueryArgs().Peek("q")))
	if query == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "missing query")
		return
	}
	contactID, _ := strconv.ParseInt(string(ctx.QueryArgs().Peek("contact_id")), 10, 64)
	limit, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("limit")))

	results, err := s.db.SearchMessages(query, contactID, limit)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	type resultJSON struct {
		messageJSON
		ContactID int64  `json:"contact_id"`
		Snippet   string `json:"snippet"`
	}
	out := make([]resultJSON, 0, len(results))
	for _, r := range results {
		out = append(out, resultJSON{
			messageJSON: messageJSON{
				ID:        r.Message.ID,
				Direction: r.Message.Direction,
				Kind:      r.Message.Kind,
				Body:      r.Message.Body,
				CreatedAt: r.Message.CreatedAt,
			},
			ContactID: r.Message.ContactID,
			Snippet:   r.Snippet,
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleBroadcast(ctx *fasthttp.RequestCtx) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "missing text")
		return
	}
	sent, failed, err := s.engine.Broadcast(ctx, req.Text)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]int{"sent": sent, "failed": failed})
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	days, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("days")))
	history, err := s.db.StatsRange(days)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	today, err := s.db.TodayStats()
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	total, verified, blocked, err := s.db.ContactCounts()
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
		return
	}
	unread, _ := s.db.UnreadCount()
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"today":   today,
		"history": history,
		"contacts": map[string]int{
			"total":    total,
			"verified": verified,
			"blocked":  blocked,
		},
		"unread": unread,
	})
}
