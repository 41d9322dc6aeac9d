package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Tyrowin/beechat/internal/history"
	"github.com/Tyrowin/beechat/internal/transfer"
)

// dispatch handles one inbound event on the hub loop. Bad input is logged and
// dropped; the sender never receives an error event.
func (h *Hub) dispatch(in Inbound) {
	if in.Client == nil {
		return
	}
	if _, connected := h.registry.Get(in.Client.id); !connected {
		h.log.Debug("Dropping event from disconnected client", "event", in.Event, "conn_id", in.Client.id)
		return
	}

	var err error
	switch in.Event {
	case EventChatMessage:
		err = h.handleChatMessage(in.Client, in.Data)
	case EventImageMetadata:
		err = h.handleImageMetadata(in.Client, in.Data)
	case EventImageChunk:
		err = h.handleImageChunk(in.Client, in.Data)
	default:
		err = fmt.Errorf("unsupported event %q", in.Event)
	}
	if err != nil {
		h.log.Warn("Dropped client event", "event", in.Event, "conn_id", in.Client.id, "error", err)
	}
}

func (h *Hub) decode(data json.RawMessage, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := h.validate.Struct(into); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// handleChatMessage relays the payload verbatim, extra fields included. Only
// a missing user is filled in from the connection.
func (h *Hub) handleChatMessage(sender *Client, data json.RawMessage) error {
	var payload ChatPayload
	if err := h.decode(data, &payload); err != nil {
		return err
	}
	if payload.User == "" {
		payload.User = sender.user
		patched, err := withUser(data, payload.User)
		if err != nil {
			return err
		}
		data = patched
	}

	h.persist(history.NewText(payload.User, payload.Msg, time.Now()))
	h.broadcast(EventChatMessage, data, sender)
	return nil
}

func withUser(data json.RawMessage, user string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	name, err := json.Marshal(user)
	if err != nil {
		return nil, err
	}
	fields["user"] = name
	return json.Marshal(fields)
}

func (h *Hub) handleImageMetadata(sender *Client, data json.RawMessage) error {
	var payload ImageMetadataPayload
	if err := h.decode(data, &payload); err != nil {
		return err
	}
	if payload.User == "" {
		payload.User = sender.user
	}
	return h.assembler.Begin(payload.FileID, payload.TotalChunks, transfer.Owner{ConnID: sender.id, User: payload.User})
}

// handleImageChunk feeds the assembler. Assembler errors are already logged
// there, so they are not reported again.
func (h *Hub) handleImageChunk(sender *Client, data json.RawMessage) error {
	var payload ImageChunkPayload
	if err := h.decode(data, &payload); err != nil {
		return err
	}

	done, err := h.assembler.AddChunk(payload.FileID, payload.ChunkIndex, []byte(payload.Chunk), payload.Last)
	if err != nil || done == nil {
		return nil
	}

	h.persist(history.NewImage(done.Owner.User, done.Payload, time.Now()))
	h.broadcast(EventImageComplete, ImageCompletePayload{
		FileID:    done.FileID,
		User:      done.Owner.User,
		ImageData: string(done.Payload),
	}, sender)
	return nil
}
