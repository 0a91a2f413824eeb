package channel

import "context"

// Channel is the transport surface the relay engine depends on. Every send
// returns the channel-assigned id of the delivered copy; ForwardToOperator's
// id is what reply correlation later matches against.
type Channel interface {
	SendToContact(ctx context.Context, contactID, text string) (string, error)
	SendToOperator(ctx context.Context, operatorID, text string) (string, error)
	ForwardToOperator(ctx context.Context, operatorID, text string) (string, error)
}

// Inbound is a normalized message received from the channel. QuotedID is the
// id of the message this one replies to, when the sender used the channel's
// reply feature; the relay engine correlates it against delivered copies.
type Inbound struct {
	SenderID   string
	SenderName string
	MsgID      string
	Body       string
	Kind       string
	QuotedID   string
	FromMe     bool
	Timestamp  int64
}
