package relay

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/store"
)

// Admin actions on a contact.
const (
	ActionBlock   = "block"
	ActionUnblock = "unblock"
	ActionTrust   = "trust"
	ActionUntrust = "untrust"
)

// AdminAction applies a moderation action to a contact. arg carries the block
// reason for ActionBlock and is ignored otherwise.
func (e *Engine) AdminAction(action string, contactID int64, arg string) error {
	contact, err := e.db.GetContact(contactID)
	if err != nil {
		return err
	}
	if contact == nil {
		return fmt.Errorf("contact %d not found", contactID)
	}

	switch action {
	case ActionBlock:
		err = e.db.SetBlocked(contactID, true, arg)
	case ActionUnblock:
		err = e.db.SetBlocked(contactID, false, "")
	case ActionTrust:
		err = e.db.SetTrusted(contactID, true)
	case ActionUntrust:
		err = e.db.SetTrusted(contactID, false)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return err
	}
	e.logger.Info("admin action", zap.String("action", action), zap.Int64("contact_id", contactID))
	e.bus.Emit("relay.admin_action", map[string]any{"action": action, "contact_id": contactID})
	return nil
}

// AddTag appends a tag to the contact unless already present.
func (e *Engine) AddTag(contactID int64, tag string) error {
	contact, err := e.db.GetContact(contactID)
	if err != nil {
		return err
	}
	if contact == nil {
		return fmt.Errorf("contact %d not found", contactID)
	}
	if slices.Contains(contact.Tags, tag) {
		return nil
	}
	return e.db.SetTags(contactID, append(contact.Tags, tag))
}

// RemoveTag deletes a tag from the contact if present.
func (e *Engine) RemoveTag(contactID int64, tag string) error {
	contact, err := e.db.GetContact(contactID)
	if err != nil {
		return err
	}
	if contact == nil {
		return fmt.Errorf("contact %d not found", contactID)
	}
	tags := slices.DeleteFunc(slices.Clone(contact.Tags), func(t string) bool { return t == tag })
	if len(tags) == len(contact.Tags) {
		return nil
	}
	return e.db.SetTags(contactID, tags)
}

// Broadcast sends text to every non-blocked contact. Platform contacts get a
// channel delivery; web contacts get an outbound row they pick up on poll.
// Per-recipient failures are logged and counted, never aborting the sweep.
func (e *Engine) Broadcast(ctx context.Context, text string) (sent, failed int, err error) {
	targets, err := e.db.ListBroadcastTargets()
	if err != nil {
		return 0, 0, err
	}
	for i := range targets {
		contact := &targets[i]
		if contact.Origin == store.OriginPlatform {
			tctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
			_, sendErr := e.ch.SendToContact(tctx, contact.ExternalID, text)
			cancel()
			if sendErr != nil {
				e.logger.Warn("broadcast delivery failed",
					zap.Int64("contact_id", contact.ID),
					zap.Error(sendErr))
				failed++
				continue
			}
		}
		msg := &store.Message{
			ContactID: contact.ID,
			Direction: store.DirectionOut,
			Kind:      "text",
			Body:      text,
			Read:      true,
		}
		if insErr := e.db.InsertMessage(msg); insErr != nil {
			e.logger.Warn("broadcast record failed", zap.Int64("contact_id", contact.ID), zap.Error(insErr))
			failed++
			continue
		}
		sent++
	}
	e.bus.Emit("relay.broadcast", map[string]any{"sent": sent, "failed": failed})
	return sent, failed, nil
}
