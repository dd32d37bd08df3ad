package chatservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"fedchat/internal/olm"
	"fedchat/internal/store"
)

var (
	// ErrVerificationFailed is returned when a device's published keys or a
	// claimed one-time key fail their signature check. The offending device
	// is skipped; the operation continues for its siblings.
	ErrVerificationFailed = errors.New("chatservice: signature verification failed")

	// ErrSessionMismatch is returned when a pairwise plaintext's embedded
	// sender identity disagrees with the envelope's sender key. The
	// candidate session is discarded, never installed.
	ErrSessionMismatch = errors.New("chatservice: sender identity mismatch")
)

// KeyExchange maintains the device-key directory and the pairwise sessions
// used to carry key material. It never retries network failures; retry
// policy lives in the pipeline.
type KeyExchange struct {
	api    api
	store  *store.Store
	logger *log.Logger
}

func NewKeyExchange(a api, st *store.Store, logger *log.Logger) *KeyExchange {
	return &KeyExchange{api: a, store: st, logger: logger}
}

// QueryDevices fetches and installs the published device keys for the given
// users. Devices whose self-signature does not verify are skipped with a
// warning; they never enter the directory. Already-known devices keep their
// first-seen keys.
func (k *KeyExchange) QueryDevices(ctx context.Context, userIDs ...string) error {
	resp, err := k.api.QueryKeys(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("query devices: %w", err)
	}
	requested := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		requested[id] = true
	}
	for userID, devices := range resp.DeviceKeys {
		if !requested[userID] {
			logf(k.logger, "keyexchange: dropping unrequested user %s from key query response", userID)
			continue
		}
		for deviceID, dk := range devices {
			// The signed document names its own owner; it must match where
			// the server filed it, or the record would enter the directory
			// under an identity the signature never covered.
			if dk.UserID != userID || dk.DeviceID != deviceID {
				logf(k.logger, "keyexchange: skipping device %s/%s: document is for %s/%s",
					userID, deviceID, dk.UserID, dk.DeviceID)
				continue
			}
			if err := verifyDeviceKeys(&dk); err != nil {
				logf(k.logger, "keyexchange: skipping device %s/%s: %v", userID, deviceID, err)
				continue
			}
			k.store.InstallDevice(&store.DeviceRecord{
				UserID:      dk.UserID,
				DeviceID:    dk.DeviceID,
				SigningKey:  dk.Keys["ed25519:"+dk.DeviceID],
				IdentityKey: dk.Keys["curve25519:"+dk.DeviceID],
				Unsigned:    dk.Unsigned,
			})
		}
	}
	return nil
}

// verifyDeviceKeys checks the device's self-signature over its published
// key document, using the signing key the document itself carries.
func verifyDeviceKeys(dk *DeviceKeys) error {
	signingKey := dk.Keys["ed25519:"+dk.DeviceID]
	identityKey := dk.Keys["curve25519:"+dk.DeviceID]
	if signingKey == "" || identityKey == "" {
		return fmt.Errorf("%w: device %s missing keys", ErrVerificationFailed, dk.DeviceID)
	}
	sig := dk.Signatures[dk.UserID]["ed25519:"+dk.DeviceID]
	if sig == "" {
		return fmt.Errorf("%w: device %s missing self-signature", ErrVerificationFailed, dk.DeviceID)
	}
	signed, err := canonicalJSON(DeviceKeys{
		UserID:     dk.UserID,
		DeviceID:   dk.DeviceID,
		Algorithms: dk.Algorithms,
		Keys:       dk.Keys,
	})
	if err != nil {
		return err
	}
	if err := olm.VerifySignature(signingKey, signed, sig); err != nil {
		return fmt.Errorf("%w: device %s: %v", ErrVerificationFailed, dk.DeviceID, err)
	}
	return nil
}

// EstablishOrReusePairwise returns the outbound pairwise session toward a
// device, claiming a one-time key and building a fresh session if none
// exists. The claim is one network round trip; callers fan out per device.
func (k *KeyExchange) EstablishOrReusePairwise(ctx context.Context, device *store.DeviceRecord) (*olm.Session, error) {
	if sess := k.store.PairwiseOutbound(device.IdentityKey); sess != nil {
		return sess, nil
	}
	keyID, key, err := k.ClaimOneTimeKey(ctx, device)
	if err != nil {
		return nil, err
	}
	return k.establishPairwise(device, keyID, key)
}

// establishPairwise builds the outbound session from an already claimed and
// verified one-time key, and installs it. Runs on the store's goroutine;
// callers that fan claims out concurrently funnel results back through here.
func (k *KeyExchange) establishPairwise(device *store.DeviceRecord, keyID, key string) (*olm.Session, error) {
	acct, err := k.store.Account()
	if err != nil {
		return nil, err
	}
	sess, err := olm.NewOutboundSession(acct, device.IdentityKey, keyID, key)
	if err != nil {
		return nil, fmt.Errorf("establish pairwise with %s: %w", device.DeviceID, err)
	}
	k.store.InstallPairwiseOutbound(device.IdentityKey, sess)
	return sess, nil
}

// ClaimOneTimeKey claims one one-time key from a device and verifies the
// device's signature over it. Pure network plus verification: no store
// mutation, so concurrent claims for independent devices are safe.
func (k *KeyExchange) ClaimOneTimeKey(ctx context.Context, device *store.DeviceRecord) (keyID, key string, err error) {
	resp, err := k.api.ClaimKeys(ctx, map[string]map[string]string{
		device.UserID: {device.DeviceID: OneTimeKeyAlgorithm},
	})
	if err != nil {
		return "", "", fmt.Errorf("claim key for %s/%s: %w", device.UserID, device.DeviceID, err)
	}
	claimed := resp.OneTimeKeys[device.UserID][device.DeviceID]
	if len(claimed) == 0 {
		return "", "", fmt.Errorf("claim key for %s/%s: no key returned", device.UserID, device.DeviceID)
	}
	for id, sk := range claimed {
		if err := verifyClaimedKey(device, id, &sk); err != nil {
			return "", "", err
		}
		return id, sk.Key, nil
	}
	return "", "", fmt.Errorf("claim key for %s/%s: no key returned", device.UserID, device.DeviceID)
}

func verifyClaimedKey(device *store.DeviceRecord, keyID string, sk *SignedKey) error {
	sig := sk.Signatures[device.UserID]["ed25519:"+device.DeviceID]
	if sig == "" {
		return fmt.Errorf("%w: one-time key %s unsigned", ErrVerificationFailed, keyID)
	}
	signed, err := canonicalJSON(map[string]string{"key": sk.Key})
	if err != nil {
		return err
	}
	if err := olm.VerifySignature(device.SigningKey, signed, sig); err != nil {
		return fmt.Errorf("%w: one-time key %s: %v", ErrVerificationFailed, keyID, err)
	}
	return nil
}

// DecryptIncomingPairwise opens one olm to-device message. Pre-key messages
// always construct a new inbound session; the session is only installed
// once the plaintext's embedded sender identity has been checked against
// the envelope. Normal messages use the existing inbound session.
func (k *KeyExchange) DecryptIncomingPairwise(senderKey string, msg *olm.Message) (*PairwisePlaintext, error) {
	acct, err := k.store.Account()
	if err != nil {
		return nil, err
	}

	if msg.Type == olm.MessageTypePreKey {
		sess, err := olm.NewInboundSession(acct, msg)
		if err != nil {
			return nil, fmt.Errorf("pairwise inbound from %s: %w", senderKey, err)
		}
		inner, err := decryptAndCheck(sess, senderKey, msg)
		if err != nil {
			// The candidate session dies with the message.
			return nil, err
		}
		k.store.InstallPairwiseInbound(senderKey, sess)
		return inner, nil
	}

	sess := k.store.PairwiseInbound(senderKey)
	if sess == nil {
		return nil, fmt.Errorf("%w: no inbound pairwise session for %s", store.ErrNotFound, senderKey)
	}
	return decryptAndCheck(sess, senderKey, msg)
}

func decryptAndCheck(sess *olm.Session, senderKey string, msg *olm.Message) (*PairwisePlaintext, error) {
	pt, err := sess.Decrypt(msg)
	if err != nil {
		return nil, fmt.Errorf("pairwise decrypt from %s: %w", senderKey, err)
	}
	var inner PairwisePlaintext
	if err := json.Unmarshal(pt, &inner); err != nil {
		return nil, fmt.Errorf("pairwise payload from %s: %w", senderKey, err)
	}
	if inner.SenderKey != senderKey {
		return nil, fmt.Errorf("%w: payload claims %s, envelope says %s", ErrSessionMismatch, inner.SenderKey, senderKey)
	}
	return &inner, nil
}

// canonicalJSON re-marshals v through a generic decode so object keys come
// out sorted, giving both signer and verifier the same byte string.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("chatservice: canonical json: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("chatservice: canonical json: %w", err)
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("chatservice: canonical json: %w", err)
	}
	return out, nil
}
