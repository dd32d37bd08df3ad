package chatservice

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fedchat/internal/store"
)

// Pipeline drives the long-poll loop: it classifies each batch's events,
// feeds them to the key-exchange and group machinery in dependency order,
// and yields decrypted messages. All session state is mutated from the
// loop's goroutine only.
type Pipeline struct {
	api            api
	store          *store.Store
	keyx           *KeyExchange
	groups         *GroupManager
	logger         *log.Logger
	userID         string
	deviceID       string
	minOneTimeKeys int
	syncTimeout    time.Duration
}

func NewPipeline(a api, st *store.Store, keyx *KeyExchange, groups *GroupManager, userID, deviceID string, minOneTimeKeys int, syncTimeout time.Duration, logger *log.Logger) *Pipeline {
	if minOneTimeKeys <= 0 {
		minOneTimeKeys = 10
	}
	if syncTimeout <= 0 {
		syncTimeout = 30 * time.Second
	}
	return &Pipeline{
		api:            a,
		store:          st,
		keyx:           keyx,
		groups:         groups,
		logger:         logger,
		userID:         userID,
		deviceID:       deviceID,
		minOneTimeKeys: minOneTimeKeys,
		syncTimeout:    syncTimeout,
	}
}

// Run returns an iterator over incoming messages. The first poll is a
// zero-timeout initial sync, retried until it succeeds; after that the loop
// polls with the server timeout, always retrying from the last cursor that
// produced a processed batch. The iterator ends on a fatal error (yielded
// to the caller) or when the caller stops consuming.
func (p *Pipeline) Run(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0

		cursor := ""
		initial := true
		for {
			var (
				resp *SyncResponse
				err  error
			)
			if initial {
				resp, err = p.api.Sync(ctx, "", 0)
			} else {
				resp, err = p.api.Sync(ctx, cursor, p.syncTimeout)
			}
			if err != nil {
				if errors.Is(err, ErrAuthRejected) || ctx.Err() != nil {
					yield(Message{}, err)
					return
				}
				// Transient: retry with the cursor from before the failure
				// so no events are skipped.
				wait := bo.NextBackOff()
				logf(p.logger, "pipeline: sync failed, retrying in %v: %v", wait, err)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					yield(Message{}, ctx.Err())
					return
				}
				continue
			}
			bo.Reset()
			if !p.processBatch(ctx, resp, yield) {
				return
			}
			cursor = resp.NextBatch
			initial = false
		}
	}
}

// processBatch handles one sync batch in dependency order: membership
// state, then one-time-key replenishment, then key-bearing to-device
// events, then timeline decryption. A just-joined member's key material may
// arrive in the same batch as their first message, so the order is fixed.
// Returns false when the consumer stopped or a fatal error was yielded.
func (p *Pipeline) processBatch(ctx context.Context, resp *SyncResponse, yield func(Message, error) bool) bool {
	for roomID, room := range resp.Rooms.Join {
		p.processMembership(roomID, room.State.Events)
		p.processMembership(roomID, room.Timeline.Events)
	}

	if err := p.replenishOneTimeKeys(ctx, resp.OneTimeKeyCount); err != nil {
		if errors.Is(err, ErrAuthRejected) {
			yield(Message{}, err)
			return false
		}
		logf(p.logger, "pipeline: one-time key replenishment failed: %v", err)
	}

	for _, ev := range resp.ToDevice.Events {
		p.handleToDevice(&ev)
	}

	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			ev.RoomID = roomID
			if !p.handleTimeline(&ev, yield) {
				return false
			}
		}
	}
	return true
}

func (p *Pipeline) processMembership(roomID string, events []Event) {
	for i := range events {
		ev := &events[i]
		if classify(ev) != classMembership {
			continue
		}
		if user, ok := memberJoined(ev); ok {
			p.store.RecordMembership(roomID, user)
		}
	}
}

// handleToDevice processes one to-device event. Errors are isolated: a bad
// event is logged and dropped, never aborting the batch.
func (p *Pipeline) handleToDevice(ev *Event) {
	if classify(ev) != classEncrypted {
		return
	}
	var content OlmEventContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		logf(p.logger, "pipeline: malformed to-device event from %s: %v", ev.Sender, err)
		return
	}
	if content.Algorithm != AlgorithmOlm || content.Message == nil {
		logf(p.logger, "pipeline: unsupported to-device algorithm %q from %s", content.Algorithm, ev.Sender)
		return
	}
	inner, err := p.keyx.DecryptIncomingPairwise(content.SenderKey, content.Message)
	if err != nil {
		logf(p.logger, "pipeline: pairwise decrypt from %s failed: %v", ev.Sender, err)
		return
	}
	if inner.Type != EventTypeRoomKey {
		logf(p.logger, "pipeline: ignoring pairwise payload type %q from %s", inner.Type, ev.Sender)
		return
	}
	var roomKey RoomKeyContent
	if err := json.Unmarshal(inner.Content, &roomKey); err != nil {
		logf(p.logger, "pipeline: malformed room key from %s: %v", ev.Sender, err)
		return
	}
	if err := p.groups.ReceiveRoomKey(content.SenderKey, &roomKey); err != nil {
		logf(p.logger, "pipeline: room key install from %s failed: %v", ev.Sender, err)
	}
}

func (p *Pipeline) handleTimeline(ev *Event, yield func(Message, error) bool) bool {
	switch classify(ev) {
	case classEncrypted:
		msg, err := p.groups.DecryptRoomEvent(ev)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Normal: the key share has not arrived (yet, or ever).
				logf(p.logger, "pipeline: no session for event %s in %s", ev.EventID, ev.RoomID)
			} else {
				logf(p.logger, "pipeline: decrypt of %s failed: %v", ev.EventID, err)
			}
			return true
		}
		return yield(*msg, nil)
	case classPlainMessage:
		var content MessageContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			logf(p.logger, "pipeline: malformed message event %s: %v", ev.EventID, err)
			return true
		}
		return yield(Message{
			RoomID:  ev.RoomID,
			Sender:  ev.Sender,
			EventID: ev.EventID,
			Body:    content.Body,
		}, nil)
	default:
		return true
	}
}

// replenishOneTimeKeys tops up the server-side one-time key pool when the
// batch reports it below the watermark, uploading freshly signed keys.
func (p *Pipeline) replenishOneTimeKeys(ctx context.Context, counts map[string]int) error {
	current := counts[OneTimeKeyAlgorithm]
	if counts == nil || current >= p.minOneTimeKeys {
		return nil
	}
	acct, err := p.store.Account()
	if err != nil {
		return err
	}
	if err := acct.GenerateOneTimeKeys(2*p.minOneTimeKeys - current); err != nil {
		return err
	}
	signed, err := signedOneTimeKeys(acct, p.userID, p.deviceID)
	if err != nil {
		return err
	}
	if len(signed) == 0 {
		return nil
	}
	remaining, err := p.api.UploadKeys(ctx, nil, signed)
	if err != nil {
		return err
	}
	acct.MarkKeysAsPublished()
	logf(p.logger, "pipeline: uploaded %d one-time keys, server now holds %d",
		len(signed), remaining[OneTimeKeyAlgorithm])
	return nil
}
