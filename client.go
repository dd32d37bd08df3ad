// Package fedchat provides an end-to-end-encrypted client for a federated
// chat homeserver: it manages the device identity, pairwise and group
// sessions, key distribution, and the sync loop, and exposes plain
// send/receive on top.
package fedchat

import (
	"context"
	"fmt"
	"iter"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"fedchat/internal/chatservice"
	"fedchat/internal/store"
)

// Message is a received (and, where applicable, decrypted) chat message.
type Message = chatservice.Message

// Client is the main entry point. It owns the session store; all session
// state is mutated from the goroutine driving Send and Receive.
type Client struct {
	homeserverURL  string
	userID         string
	deviceID       string
	accessToken    string
	passphrase     string
	storePath      string
	logger         *log.Logger
	httpClient     *http.Client
	minOneTimeKeys int
	syncTimeout    time.Duration

	store   *store.Store
	service *chatservice.Service
}

// Option configures a Client.
type Option func(*Client)

// WithStorePath overrides the session snapshot location. If not set, the
// snapshot lives under $XDG_DATA_HOME/fedchat.
func WithStorePath(path string) Option {
	return func(c *Client) { c.storePath = path }
}

// WithLogger sets the logger for verbose output. If not set, logging is
// disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient overrides the HTTP client used for homeserver requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMinOneTimeKeys sets the low watermark below which the sync loop
// replenishes the server-side one-time key pool.
func WithMinOneTimeKeys(n int) Option {
	return func(c *Client) { c.minOneTimeKeys = n }
}

// WithSyncTimeout sets the server-side long-poll timeout.
func WithSyncTimeout(d time.Duration) Option {
	return func(c *Client) { c.syncTimeout = d }
}

// DefaultDataDir returns the default directory for fedchat state, using
// $XDG_DATA_HOME/fedchat and falling back to ~/.local/share/fedchat.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "fedchat")
}

// Open loads the session store (an absent snapshot means a first run) and
// returns a ready client. The passphrase encrypts all session state at
// rest; Close writes the state back.
func Open(homeserverURL, userID, deviceID, accessToken, passphrase string, opts ...Option) (*Client, error) {
	c := &Client{
		homeserverURL: homeserverURL,
		userID:        userID,
		deviceID:      deviceID,
		accessToken:   accessToken,
		passphrase:    passphrase,
	}
	for _, o := range opts {
		o(c)
	}
	if c.storePath == "" {
		c.storePath = filepath.Join(DefaultDataDir(), "sessions.json")
	}

	c.store = store.New(c.storePath, c.passphrase, c.logger)
	if err := c.store.Load(); err != nil {
		return nil, fmt.Errorf("client: load session store: %w", err)
	}
	c.service = chatservice.NewService(chatservice.ServiceConfig{
		HomeserverURL:  c.homeserverURL,
		AccessToken:    c.accessToken,
		UserID:         c.userID,
		DeviceID:       c.deviceID,
		Store:          c.store,
		HTTPClient:     c.httpClient,
		Logger:         c.logger,
		MinOneTimeKeys: c.minOneTimeKeys,
		SyncTimeout:    c.syncTimeout,
	})
	return c, nil
}

// RegisterDevice publishes this device's signed keys and an initial batch
// of one-time keys. Call once per device before the first Receive.
func (c *Client) RegisterDevice(ctx context.Context) error {
	if err := c.service.UploadDeviceKeys(ctx); err != nil {
		return fmt.Errorf("client: register device: %w", err)
	}
	return nil
}

// IdentityKeys returns this device's public curve25519 identity key and
// ed25519 signing key.
func (c *Client) IdentityKeys() (identityKey, signingKey string, err error) {
	acct, err := c.store.Account()
	if err != nil {
		return "", "", fmt.Errorf("client: %w", err)
	}
	return acct.IdentityKey(), acct.SigningKey(), nil
}

// Send encrypts text to the room's current group session, sharing the
// session key with any member device that does not hold it yet, and
// returns the posted event's ID.
func (c *Client) Send(ctx context.Context, roomID, text string) (string, error) {
	return c.service.SendText(ctx, roomID, text)
}

// Receive returns an iterator over incoming messages. It drives the sync
// loop until the context is cancelled, the caller breaks, or a fatal
// error is yielded.
func (c *Client) Receive(ctx context.Context) iter.Seq2[Message, error] {
	return c.service.Receive(ctx)
}

// JoinedMembers returns the users known to be joined to a room.
func (c *Client) JoinedMembers(roomID string) []string {
	return c.store.Members(roomID)
}

// Save writes the session snapshot without closing the client.
func (c *Client) Save() error {
	if err := c.store.Save(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return nil
}

// Close persists all session state. Sessions created after the last
// successful Save are lost on unclean shutdown.
func (c *Client) Close() error {
	return c.Save()
}
