package server_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/Tyrowin/beechat/internal/history"
	"github.com/Tyrowin/beechat/internal/server"
	"github.com/Tyrowin/beechat/internal/storage"
	"github.com/Tyrowin/beechat/internal/transfer"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

const eventTimeout = time.Second

type hubFixture struct {
	hub       *server.Hub
	assembler *transfer.Assembler
	store     *storage.MemoryStore
}

func startHub(t *testing.T, seed ...history.Message) hubFixture {
	t.Helper()
	return startHubWith(t, nil, seed...)
}

// startHubWith runs a hub whose assembler is built with opts.
func startHubWith(t *testing.T, opts []transfer.Option, seed ...history.Message) hubFixture {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	store := storage.NewMemoryStore()
	for _, msg := range seed {
		require.NoError(t, store.Append(context.Background(), msg))
	}
	assembler := transfer.NewAssembler(log, opts...)
	hub := server.NewHub(log, assembler, history.NewService(log, store, 0, 0, 0))
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	return hubFixture{hub: hub, assembler: assembler, store: store}
}

func (f hubFixture) join(t *testing.T, user string) *server.Client {
	t.Helper()
	client := server.NewClient(nil, f.hub, "test:"+user, user)
	f.hub.GetRegisterChan() <- client
	return client
}

func (f hubFixture) leave(client *server.Client) {
	f.hub.GetUnregisterChan() <- client
}

func (f hubFixture) send(t *testing.T, from *server.Client, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	f.hub.GetInboundChan() <- server.Inbound{Client: from, Event: event, Data: raw}
}

func nextEvent(t *testing.T, c *server.Client) server.Envelope {
	t.Helper()
	select {
	case raw, ok := <-c.GetSendChan():
		require.True(t, ok, "send channel closed")
		var env server.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(eventTimeout):
		t.Fatalf("no event for %s", c.User())
		return server.Envelope{}
	}
}

// waitEvent skips envelopes until one named event arrives.
func waitEvent(t *testing.T, c *server.Client, event string, out any) {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case raw, ok := <-c.GetSendChan():
			require.True(t, ok, "send channel closed")
			var env server.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			if env.Event != event {
				continue
			}
			if out != nil {
				require.NoError(t, json.Unmarshal(env.Data, out))
			}
			return
		case <-deadline:
			t.Fatalf("no %q for %s", event, c.User())
		}
	}
}

func expectQuiet(t *testing.T, c *server.Client, event string) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case raw, ok := <-c.GetSendChan():
			if !ok {
				return
			}
			var env server.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			require.NotEqual(t, event, env.Event, "unexpected event for %s", c.User())
		case <-deadline:
			return
		}
	}
}

func presence(t *testing.T, c *server.Client) bool {
	t.Helper()
	var status server.UserStatusPayload
	waitEvent(t, c, server.EventUserStatus, &status)
	return status.Online
}

func TestHubPresenceFollowsParticipantCount(t *testing.T) {
	req := require.New(t)
	f := startHub(t)

	alice := f.join(t, "alice")
	req.False(presence(t, alice))

	bob := f.join(t, "bob")
	req.True(presence(t, alice))
	req.True(presence(t, bob))

	f.leave(bob)
	req.False(presence(t, alice))
	req.Eventually(func() bool { return f.hub.Stats().Connections == 1 }, eventTimeout, 10*time.Millisecond)
}

func TestHubChatExcludesSender(t *testing.T) {
	req := require.New(t)
	f := startHub(t)

	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	carol := f.join(t, "carol")

	f.send(t, alice, server.EventChatMessage, server.ChatPayload{User: "alice", Msg: "hi"})

	for _, c := range []*server.Client{bob, carol} {
		var got server.ChatPayload
		waitEvent(t, c, server.EventChatMessage, &got)
		req.Equal(server.ChatPayload{User: "alice", Msg: "hi"}, got)
	}
	expectQuiet(t, alice, server.EventChatMessage)

	req.Eventually(func() bool { return f.store.Len() == 1 }, eventTimeout, 10*time.Millisecond)
}

func TestHubChatDefaultsToConnectionUser(t *testing.T) {
	req := require.New(t)
	f := startHub(t)

	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	f.send(t, alice, server.EventChatMessage, map[string]string{"msg": "no name"})

	var got server.ChatPayload
	waitEvent(t, bob, server.EventChatMessage, &got)
	req.Equal("alice", got.User)
}

func TestHubRelaysChatPayloadVerbatim(t *testing.T) {
	req := require.New(t)
	f := startHub(t)

	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	f.send(t, alice, server.EventChatMessage, map[string]any{"user": "alice", "msg": "hi", "clientTs": 123})
	var got json.RawMessage
	waitEvent(t, bob, server.EventChatMessage, &got)
	req.JSONEq(`{"user":"alice","msg":"hi","clientTs":123}`, string(got))

	f.send(t, alice, server.EventChatMessage, map[string]any{"msg": "no name", "clientTs": 1})
	waitEvent(t, bob, server.EventChatMessage, &got)
	req.JSONEq(`{"user":"alice","msg":"no name","clientTs":1}`, string(got))
}

func TestHubDropsInvalidEvents(t *testing.T) {
	f := startHub(t)

	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	f.send(t, alice, server.EventChatMessage, server.ChatPayload{User: "alice"})
	f.send(t, alice, "typing", map[string]bool{"typing": true})
	f.hub.GetInboundChan() <- server.Inbound{Client: alice, Event: server.EventChatMessage, Data: json.RawMessage(`{"msg":`)}
	f.send(t, alice, server.EventImageMetadata, server.ImageMetadataPayload{FileID: "img_1", TotalChunks: 0})

	expectQuiet(t, bob, server.EventChatMessage)
	require.Zero(t, f.assembler.Len())
}

func TestHubAssemblesImageForOthers(t *testing.T) {
	req := require.New(t)
	f := startHub(t)

	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	f.send(t, alice, server.EventImageMetadata, server.ImageMetadataPayload{FileID: "img_1000", TotalChunks: 3, User: "A"})
	f.send(t, alice, server.EventImageChunk, server.ImageChunkPayload{FileID: "img_1000", ChunkIndex: 2, Chunk: "C"})
	f.send(t, alice, server.EventImageChunk, server.ImageChunkPayload{FileID: "img_1000", ChunkIndex: 0, Chunk: "A"})
	f.send(t, alice, server.EventImageChunk, server.ImageChunkPayload{FileID: "img_1000", ChunkIndex: 1, Chunk: "B", Last: true})

	var got server.ImageCompletePayload
	waitEvent(t, bob, server.EventImageComplete, &got)
	req.Equal(server.ImageCompletePayload{FileID: "img_1000", User: "A", ImageData: "ABC"}, got)

	expectQuiet(t, alice, server.EventImageComplete)
	expectQuiet(t, bob, server.EventImageComplete)
	req.Zero(f.assembler.Len())
	req.Eventually(func() bool { return f.store.Len() == 1 }, eventTimeout, 10*time.Millisecond)
}

// sendEarlyLast announces three chunks and finishes after chunks 0 and 2.
func sendEarlyLast(t *testing.T, f hubFixture, from *server.Client) {
	t.Helper()
	f.send(t, from, server.EventImageMetadata, server.ImageMetadataPayload{FileID: "img_7", TotalChunks: 3, User: "A"})
	f.send(t, from, server.EventImageChunk, server.ImageChunkPayload{FileID: "img_7", ChunkIndex: 0, Chunk: "A"})
	f.send(t, from, server.EventImageChunk, server.ImageChunkPayload{FileID: "img_7", ChunkIndex: 2, Chunk: "C", Last: true})
}

func TestHubGapFillCompletesOnLastChunk(t *testing.T) {
	req := require.New(t)
	f := startHubWith(t, []transfer.Option{transfer.WithPolicy(transfer.GapFill)})

	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	sendEarlyLast(t, f, alice)

	var got server.ImageCompletePayload
	waitEvent(t, bob, server.EventImageComplete, &got)
	req.Equal(server.ImageCompletePayload{FileID: "img_7", User: "A", ImageData: "AC"}, got)
	req.Zero(f.assembler.Len())
	req.Eventually(func() bool { return f.store.Len() == 1 }, eventTimeout, 10*time.Millisecond)
}

func TestHubStrictDropsIncompleteTransfer(t *testing.T) {
	req := require.New(t)
	f := startHubWith(t, []transfer.Option{transfer.WithPolicy(transfer.Strict)})

	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	sendEarlyLast(t, f, alice)

	expectQuiet(t, bob, server.EventImageComplete)
	req.Zero(f.assembler.Len())
	req.Zero(f.store.Len())

	// The chunk that would have filled the gap no longer has a transfer.
	f.send(t, alice, server.EventImageChunk, server.ImageChunkPayload{FileID: "img_7", ChunkIndex: 1, Chunk: "B"})
	expectQuiet(t, bob, server.EventImageComplete)
}

func TestHubDisconnectAbandonsTransfers(t *testing.T) {
	req := require.New(t)
	f := startHub(t)

	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	f.send(t, alice, server.EventImageMetadata, server.ImageMetadataPayload{FileID: "img_1", TotalChunks: 4})
	f.send(t, alice, server.EventImageChunk, server.ImageChunkPayload{FileID: "img_1", ChunkIndex: 0, Chunk: "AA"})
	req.Eventually(func() bool { return f.hub.Stats().Transfers == 1 }, eventTimeout, 10*time.Millisecond)

	f.leave(alice)
	req.False(presence(t, bob))
	req.Zero(f.assembler.Len())

	// Late chunks for the dropped transfer produce nothing.
	f.send(t, bob, server.EventImageChunk, server.ImageChunkPayload{FileID: "img_1", ChunkIndex: 1, Chunk: "BB", Last: true})
	expectQuiet(t, bob, server.EventImageComplete)
}

func TestHubReplaysHistoryPrivately(t *testing.T) {
	req := require.New(t)
	at := time.Now().Add(-time.Minute)
	f := startHub(t,
		history.NewText("alice", "first", at),
		history.NewImage("bob", []byte("data:image/png;base64,AAAA"), at.Add(time.Second)),
		history.NewText("alice", "third", at.Add(2*time.Second)),
	)

	carol := f.join(t, "carol")
	req.Equal(server.EventUserStatus, nextEvent(t, carol).Event)

	first := nextEvent(t, carol)
	req.Equal(server.EventChatMessage, first.Event)
	req.JSONEq(`{"user":"alice","msg":"first"}`, string(first.Data))

	second := nextEvent(t, carol)
	req.Equal(server.EventImageComplete, second.Event)
	req.JSONEq(`{"user":"bob","imageData":"data:image/png;base64,AAAA"}`, string(second.Data))

	third := nextEvent(t, carol)
	req.JSONEq(`{"user":"alice","msg":"third"}`, string(third.Data))

	f.join(t, "dave")
	waitEvent(t, carol, server.EventUserStatus, nil)
	expectQuiet(t, carol, server.EventChatMessage)
}

func TestHubIgnoresEventsFromDisconnectedClients(t *testing.T) {
	f := startHub(t)

	f.join(t, "alice")
	bob := f.join(t, "bob")
	ghost := server.NewClient(nil, f.hub, "test:ghost", "ghost")

	f.send(t, ghost, server.EventChatMessage, server.ChatPayload{User: "ghost", Msg: "boo"})
	expectQuiet(t, bob, server.EventChatMessage)
}

func TestHubShutdownWithoutClients(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	hub := server.NewHub(log, transfer.NewAssembler(log), nil)
	go hub.Run()

	require.NoError(t, hub.Shutdown(time.Second))
}
