package chatservice

import (
	"context"
	"time"
)

// api is the homeserver surface the orchestrators consume. Transport is the
// production implementation; tests inject fakes.
type api interface {
	Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error)
	QueryKeys(ctx context.Context, userIDs []string) (*KeysQueryResponse, error)
	ClaimKeys(ctx context.Context, claims map[string]map[string]string) (*KeysClaimResponse, error)
	SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]any) error
	SendRoomEvent(ctx context.Context, roomID, eventType string, content any) (string, error)
	UploadKeys(ctx context.Context, deviceKeys *DeviceKeys, oneTimeKeys map[string]SignedKey) (map[string]int, error)
}

// Compile-time interface check.
var _ api = (*Transport)(nil)
