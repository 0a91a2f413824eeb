package channel

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client and manages the channel connection.
// It implements Channel.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger
}

// NewAdapter creates the channel adapter backed by the session database at
// dbPath.
func NewAdapter(ctx context.Context, dbPath string, logger *zap.Logger) (*Adapter, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("Relayd", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	return &Adapter{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		logger:    logger.Named("channel"),
	}, nil
}

// Client returns the underlying whatsmeow client.
func (a *Adapter) Client() *whatsmeow.Client {
	return a.client
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the channel connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting channel")
	return a.client.Connect()
}

// Disconnect terminates the channel connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting channel")
	a.client.Disconnect()
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// RegisterEventHandler adds a handler for channel events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// SendText sends a text message to the given address and returns the
// server-assigned message id, which doubles as the delivered-copy id.
func (a *Adapter) SendText(ctx context.Context, to, text string) (string, error) {
	dest, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("parse address: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, dest, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// SendToContact delivers a text to a contact's channel address.
func (a *Adapter) SendToContact(ctx context.Context, contactID, text string) (string, error) {
	return a.SendText(ctx, contactID, text)
}

// SendToOperator delivers a text to an operator's channel address.
func (a *Adapter) SendToOperator(ctx context.Context, operatorID, text string) (string, error) {
	return a.SendText(ctx, operatorID, text)
}

// ForwardToOperator delivers a contact's message to an operator and returns
// the copy id used for later reply correlation.
func (a *Adapter) ForwardToOperator(ctx context.Context, operatorID, text string) (string, error) {
	return a.SendText(ctx, operatorID, text)
}

// SelfID returns the channel address of the paired account, or empty if not
// paired.
func (a *Adapter) SelfID() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}
