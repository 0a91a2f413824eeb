package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/relaybot/relayd/internal/store"
)

const helpText = `Commands:
/block <contact-id> [reason]
/unblock <contact-id>
/trust <contact-id>
/untrust <contact-id>
/addword <warn|block> <word>
/delword <word>
/broadcast <text>
/stats
/help`

// handleCommand runs an operator slash command and answers on the channel.
// Unknown commands get the help text.
func (e *Engine) handleCommand(ctx context.Context, operatorExtID, body string) (Result, error) {
	fields := strings.Fields(body)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	reply := func(text string) (Result, error) {
		e.sendToOperator(ctx, operatorExtID, text)
		return Result{Outcome: OutcomeDropped}, nil
	}

	switch cmd {
	case "/block", "/unblock", "/trust", "/untrust":
		if len(args) < 1 {
			return reply("Usage: " + cmd + " <contact-id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return reply("Contact id must be a number.")
		}
		action := strings.TrimPrefix(cmd, "/")
		arg := ""
		if action == ActionBlock && len(args) > 1 {
			arg = strings.Join(args[1:], " ")
		}
		if err := e.AdminAction(action, id, arg); err != nil {
			return reply("Failed: " + err.Error())
		}
		return reply(fmt.Sprintf("Done: %s contact %d.", action, id))

	case "/addword":
		if len(args) < 2 || (args[0] != store.ActionWarn && args[0] != store.ActionBlock) {
			return reply("Usage: /addword <warn|block> <word>")
		}
		word := strings.Join(args[1:], " ")
		if err := e.db.UpsertTerm(word, args[0]); err != nil {
			return reply("Failed: " + err.Error())
		}
		return reply(fmt.Sprintf("Added %q (%s).", word, args[0]))

	case "/delword":
		if len(args) < 1 {
			return reply("Usage: /delword <word>")
		}
		word := strings.Join(args, " ")
		removed, err := e.db.DeleteTerm(word)
		if err != nil {
			return reply("Failed: " + err.Error())
		}
		if !removed {
			return reply(fmt.Sprintf("%q was not on the list.", word))
		}
		return reply(fmt.Sprintf("Removed %q.", word))

	case "/broadcast":
		if len(args) < 1 {
			return reply("Usage: /broadcast <text>")
		}
		sent, failed, err := e.Broadcast(ctx, strings.Join(args, " "))
		if err != nil {
			return reply("Failed: " + err.Error())
		}
		return reply(fmt.Sprintf("Broadcast sent to %d contact(s), %d failed.", sent, failed))

	case "/stats":
		s, err := e.db.TodayStats()
		if err != nil {
			return reply("Failed: " + err.Error())
		}
		total, verified, blocked, err := e.db.ContactCounts()
		if err != nil {
			return reply("Failed: " + err.Error())
		}
		unread, _ := e.db.UnreadCount()
		return reply(fmt.Sprintf(
			"Today: %d in / %d out, %d new contacts, %d blocked.\nContacts: %d total, %d verified, %d blocked.\nUnread: %d.",
			s.IncomingMessages, s.OutgoingMessages, s.NewContacts, s.BlockedMessages,
			total, verified, blocked, unread))

	case "/help":
		return reply(helpText)

	default:
		return reply("Unknown command.\n\n" + helpText)
	}
}
