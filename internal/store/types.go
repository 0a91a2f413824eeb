package store

// Contact origins.
const (
	OriginPlatform = "platform"
	OriginWeb      = "web"
)

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Sensitive word actions.
const (
	ActionWarn  = "warn"
	ActionBlock = "block"
)

// Contact is a person reaching the system, from either channel.
// Exactly one of ExternalID (platform contacts) or Email (web contacts) is
// set, per Origin. Timestamps are unix milliseconds; zero means unset.
type Contact struct {
	ID           int64
	Origin       string
	ExternalID   string
	Email        string
	SessionToken string
	DisplayName  string

	Verified           bool
	ChallengeCode      string
	ChallengeExpiresAt int64
	ChallengeFails     int

	Blocked             bool
	BlockReason         string
	Trusted             bool
	TempRestrictedUntil int64

	Tags         []string
	MessageCount int

	CreatedAt     int64
	UpdatedAt     int64
	LastMessageAt int64
}

// Message is one relayed message in either direction. DeliveredCopies maps an
// operator's external id to the copy id the channel assigned when the message
// was forwarded to that operator; it is written once at fan-out time. CopyID
// is the legacy single-copy field kept for old rows and indexed lookups.
type Message struct {
	ID            int64
	ContactID     int64
	Direction     string
	Kind          string
	Body          string
	AttachmentRef string
	OriginMsgID   string

	CopyID          string
	DeliveredCopies map[string]string
	OperatorID      int64

	Flagged      bool
	FlaggedTerms []string
	Read         bool
	Important    bool

	CreatedAt int64
}

// Operator is a person answering on behalf of the system.
type Operator struct {
	ID               int64
	ExternalID       string
	Name             string
	ReceivesMessages bool
	Active           bool
	Primary          bool
	CreatedAt        int64
}

// Term is one sensitive word with its enforcement action.
type Term struct {
	ID        int64
	Word      string
	Action    string
	CreatedAt int64
}

// DailyStats holds the per-day counters.
type DailyStats struct {
	Date                 string
	NewContacts          int
	TotalMessages        int
	IncomingMessages     int
	OutgoingMessages     int
	VerificationAttempts int
	VerificationSuccess  int
	BlockedMessages      int
}
