// Package server defines the wire envelope, event payloads and utility helpers
// shared by the client, registry and hub logic.
package server

import (
	"encoding/json"
	"strings"
)

// Event names carried in Envelope.Event.
const (
	EventChatMessage   = "chat message"
	EventImageMetadata = "image-metadata"
	EventImageChunk    = "image-chunk"
	EventImageComplete = "image-complete"
	EventUserStatus    = "user status"
)

// Envelope is the JSON frame exchanged with clients.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ChatPayload is relayed verbatim for "chat message".
type ChatPayload struct {
	User string `json:"user"`
	Msg  string `json:"msg" validate:"required"`
}

// ImageMetadataPayload announces a chunked image transfer.
type ImageMetadataPayload struct {
	FileID      string `json:"fileId" validate:"required"`
	TotalChunks int    `json:"totalChunks" validate:"gt=0"`
	User        string `json:"user"`
}

// ImageChunkPayload carries one fragment. Chunk is a base64 or data-URL text
// segment; the segments are concatenated byte for byte.
type ImageChunkPayload struct {
	FileID     string `json:"fileId" validate:"required"`
	ChunkIndex int    `json:"chunkIndex"`
	Chunk      string `json:"chunk"`
	Last       bool   `json:"last"`
}

// ImageCompletePayload is emitted once per finalized transfer and for image
// history entries, which carry no fileId.
type ImageCompletePayload struct {
	FileID    string `json:"fileId,omitempty"`
	User      string `json:"user"`
	ImageData string `json:"imageData"`
}

// UserStatusPayload is the presence signal.
type UserStatusPayload struct {
	Online bool `json:"online"`
}

// Inbound is one decoded client envelope queued for the hub loop.
type Inbound struct {
	Client *Client
	Event  string
	Data   json.RawMessage
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
