package relay

import (
	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/store"
)

// ResolveReply maps the id of a quoted copy back to the original inbound
// message. Resolution order:
//
//  1. the indexed legacy copy_id column,
//  2. within the most recent ResolveWindow inbound messages, the replying
//     operator's own delivered-copy entry,
//  3. same window, any operator's entry.
//
// A miss returns ErrUnresolved; the engine never guesses a contact.
func (e *Engine) ResolveReply(copyID, operatorExtID string) (*store.Message, error) {
	if copyID == "" {
		return nil, ErrUnresolved
	}

	if msg, err := e.db.GetMessageByCopyID(copyID); err != nil {
		return nil, err
	} else if msg != nil {
		return msg, nil
	}

	recent, err := e.db.RecentInbound(e.cfg.ResolveWindow)
	if err != nil {
		return nil, err
	}

	if operatorExtID != "" {
		for i := range recent {
			if recent[i].DeliveredCopies[operatorExtID] == copyID {
				return &recent[i], nil
			}
		}
	}

	for i := range recent {
		for opID, id := range recent[i].DeliveredCopies {
			if id != copyID {
				continue
			}
			if opID != operatorExtID {
				// Copy ids are channel-assigned and assumed unique, but the
				// full-value scan can in principle cross operators.
				e.logger.Warn("reply resolved via another operator's copy",
					zap.String("copy_id", copyID),
					zap.String("replying_operator", operatorExtID),
					zap.String("matched_operator", opID))
			}
			return &recent[i], nil
		}
	}
	return nil, ErrUnresolved
}
