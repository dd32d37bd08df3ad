package chatservice

import (
	"context"
	"fmt"
	"iter"
	"log"
	"net/http"
	"time"

	"fedchat/internal/olm"
	"fedchat/internal/store"
)

// logf logs through l if non-nil. Every component takes an optional logger
// and stays quiet without one.
func logf(l *log.Logger, format string, args ...any) {
	if l != nil {
		l.Printf(format, args...)
	}
}

// Service wires the transport, store and orchestrators into one client-side
// session manager for a homeserver account.
type Service struct {
	api      api
	store    *store.Store
	keyx     *KeyExchange
	groups   *GroupManager
	pipeline *Pipeline
	logger   *log.Logger
	userID   string
	deviceID string
}

// ServiceConfig holds configuration for creating a Service.
type ServiceConfig struct {
	HomeserverURL  string
	AccessToken    string
	UserID         string
	DeviceID       string
	Store          *store.Store
	HTTPClient     *http.Client
	Logger         *log.Logger
	MinOneTimeKeys int
	SyncTimeout    time.Duration
}

// NewService creates a session manager from cfg. The store must already be
// loaded; the service never reads it from disk itself.
func NewService(cfg ServiceConfig) *Service {
	transport := NewTransport(cfg.HomeserverURL, cfg.AccessToken, cfg.HTTPClient, cfg.Logger)
	return newService(cfg, transport)
}

func newService(cfg ServiceConfig, a api) *Service {
	keyx := NewKeyExchange(a, cfg.Store, cfg.Logger)
	groups := NewGroupManager(a, cfg.Store, keyx, cfg.UserID, cfg.DeviceID, cfg.Logger)
	pipeline := NewPipeline(a, cfg.Store, keyx, groups,
		cfg.UserID, cfg.DeviceID, cfg.MinOneTimeKeys, cfg.SyncTimeout, cfg.Logger)
	return &Service{
		api:      a,
		store:    cfg.Store,
		keyx:     keyx,
		groups:   groups,
		pipeline: pipeline,
		logger:   cfg.Logger,
		userID:   cfg.UserID,
		deviceID: cfg.DeviceID,
	}
}

// Store returns the session store backing this service.
func (s *Service) Store() *store.Store { return s.store }

// KeyExchange returns the device-key orchestrator, for callers that need
// directory queries outside a send.
func (s *Service) KeyExchange() *KeyExchange { return s.keyx }

// UploadDeviceKeys publishes this device's signed identity keys and an
// initial batch of one-time keys. Must run once before the first sync so
// other devices can establish sessions with us.
func (s *Service) UploadDeviceKeys(ctx context.Context) error {
	acct, err := s.store.Account()
	if err != nil {
		return err
	}
	deviceKeys, err := s.ownDeviceKeys(acct)
	if err != nil {
		return err
	}
	if err := acct.GenerateOneTimeKeys(2 * s.pipeline.minOneTimeKeys); err != nil {
		return err
	}
	signed, err := signedOneTimeKeys(acct, s.userID, s.deviceID)
	if err != nil {
		return err
	}
	if _, err := s.api.UploadKeys(ctx, deviceKeys, signed); err != nil {
		return fmt.Errorf("upload device keys: %w", err)
	}
	acct.MarkKeysAsPublished()
	return nil
}

// ownDeviceKeys builds and self-signs this device's published key document.
func (s *Service) ownDeviceKeys(acct *olm.Account) (*DeviceKeys, error) {
	dk := DeviceKeys{
		UserID:     s.userID,
		DeviceID:   s.deviceID,
		Algorithms: []string{AlgorithmOlm, AlgorithmMegolm},
		Keys: map[string]string{
			"curve25519:" + s.deviceID: acct.IdentityKey(),
			"ed25519:" + s.deviceID:    acct.SigningKey(),
		},
	}
	signed, err := canonicalJSON(dk)
	if err != nil {
		return nil, err
	}
	dk.Signatures = map[string]map[string]string{
		s.userID: {"ed25519:" + s.deviceID: acct.Sign(signed)},
	}
	return &dk, nil
}

// signedOneTimeKeys signs each unpublished one-time key for upload.
func signedOneTimeKeys(acct *olm.Account, userID, deviceID string) (map[string]SignedKey, error) {
	out := make(map[string]SignedKey)
	for keyID, key := range acct.OneTimeKeys() {
		signed, err := canonicalJSON(map[string]string{"key": key})
		if err != nil {
			return nil, err
		}
		out[keyID] = SignedKey{
			Key: key,
			Signatures: map[string]map[string]string{
				userID: {"ed25519:" + deviceID: acct.Sign(signed)},
			},
		}
	}
	return out, nil
}

// SendText encrypts a text message to the room and returns the event ID.
func (s *Service) SendText(ctx context.Context, roomID, body string) (string, error) {
	return s.groups.SendEncrypted(ctx, roomID, MessageContent{MsgType: "m.text", Body: body})
}

// Receive returns an iterator over incoming messages, running the sync
// pipeline until the context is cancelled, the consumer stops, or a fatal
// error is yielded.
func (s *Service) Receive(ctx context.Context) iter.Seq2[Message, error] {
	return s.pipeline.Run(ctx)
}
