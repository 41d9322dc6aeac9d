// Package server coordinates connection registration, event dispatch, broadcast
// and connection cleanup for the BeeChat WebSocket relay via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/beechat/internal/history"
	"github.com/Tyrowin/beechat/internal/transfer"
	"github.com/go-playground/validator/v10"
)

// Hub is the relay's single event timeline. Connects, disconnects and every
// inbound client event are handled one at a time by Run, so the registry
// counter and the transfer table are never mutated by two handlers at once.
// Persistence and history queries run off the loop.
type Hub struct {
	registry   *Registry
	assembler  *transfer.Assembler
	history    *history.Service
	log        *slog.Logger
	validate   *validator.Validate
	inbound    chan Inbound
	register   chan *Client
	unregister chan *Client
	wg         sync.WaitGroup
	jobs       sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a hub. svc may be nil, in which case nothing is persisted
// or replayed.
func NewHub(log *slog.Logger, assembler *transfer.Assembler, svc *history.Service) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:   NewRegistry(),
		assembler:  assembler,
		history:    svc,
		log:        log,
		validate:   validator.New(),
		inbound:    make(chan Inbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// GetRegisterChan returns the channel used for registering new clients to the hub.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients from the hub.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// GetInboundChan returns the channel client read pumps feed decoded events into.
func (h *Hub) GetInboundChan() chan<- Inbound {
	return h.inbound
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run starts the hub's main event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("Received nil client registration; skipping")
				continue
			}
			h.connect(client)

		case client := <-h.unregister:
			if client != nil {
				h.disconnect(client, "connection closed")
			}

		case in := <-h.inbound:
			h.dispatch(in)
		}
	}
}

func (h *Hub) connect(client *Client) {
	h.registry.Connect(client)
	h.log.Info("A user connected",
		"conn_id", client.id, "user", client.user, "addr", client.addr, "total", h.registry.Count())

	if client.conn != nil {
		h.wg.Add(2)
		go func() {
			defer h.wg.Done()
			client.writePump()
		}()
		go func() {
			defer h.wg.Done()
			client.readPump()
		}()
	}

	h.broadcastPresence()
	h.replayTo(client)
}

// disconnect is idempotent: a client removed after a failed delivery will
// still send its own unregister when its read pump exits.
func (h *Hub) disconnect(client *Client, reason string) {
	if _, ok := h.registry.Disconnect(client.id); !ok {
		return
	}
	close(client.send)

	abandoned := h.assembler.Abandon(client.id)
	h.log.Info("User disconnected",
		"conn_id", client.id, "addr", client.addr, "reason", reason,
		"total", h.registry.Count(), "abandoned_transfers", len(abandoned))

	h.broadcastPresence()
}

func (h *Hub) broadcastPresence() {
	h.broadcastAll(EventUserStatus, UserStatusPayload{Online: h.registry.Online()})
}

// broadcast delivers event to every connection except exclude. Recipients
// whose send buffer is full are disconnected after the fan-out; they never
// hold up the others.
func (h *Hub) broadcast(event string, data any, exclude *Client) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		h.log.Error("Error encoding event", "event", event, "error", err)
		return
	}

	var failed []*Client
	delivered := 0
	for _, client := range h.registry.Snapshot() {
		if exclude != nil && client == exclude {
			continue
		}
		if !h.registry.deliver(client, payload) {
			failed = append(failed, client)
			continue
		}
		delivered++
	}
	h.log.Debug("Broadcast event", "event", event, "delivered", delivered, "failed", len(failed))

	for _, client := range failed {
		h.disconnect(client, "send buffer full")
	}
}

func (h *Hub) broadcastAll(event string, data any) {
	h.broadcast(event, data, nil)
}

// sendTo delivers event to client only.
func (h *Hub) sendTo(client *Client, event string, data any) bool {
	payload, err := encodeEvent(event, data)
	if err != nil {
		h.log.Error("Error encoding event", "event", event, "error", err)
		return false
	}
	return h.registry.deliver(client, payload)
}

// persist records msg off the event loop. Each message is written by exactly
// one job.
func (h *Hub) persist(msg history.Message) {
	if h.history == nil {
		return
	}
	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		h.history.Record(context.WithoutCancel(h.ctx), msg)
	}()
}

// replayTo sends the history window privately to client.
func (h *Hub) replayTo(client *Client) {
	if h.history == nil {
		return
	}
	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		msgs := h.history.Replay(h.ctx)
		sent := 0
		for _, msg := range msgs {
			event, data := historyEvent(msg)
			if !h.sendTo(client, event, data) {
				h.log.Warn("Stopped history replay", "conn_id", client.id, "sent", sent, "total", len(msgs))
				return
			}
			sent++
		}
		h.log.Info("Sent messages from history", "conn_id", client.id, "count", sent)
	}()
}

func historyEvent(msg history.Message) (string, any) {
	if msg.IsImage() {
		return EventImageComplete, ImageCompletePayload{User: msg.User, ImageData: string(msg.Image)}
	}
	return EventChatMessage, ChatPayload{User: msg.User, Msg: msg.Text}
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Connections int64 `json:"connections"`
	Online      bool  `json:"online"`
	Transfers   int   `json:"transfers"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Connections: h.registry.Count(),
		Online:      h.registry.Online(),
		Transfers:   h.assembler.Len(),
	}
}

// shutdownClients closes every queue and connection without presence
// broadcasts, so both pumps of each client exit.
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...")

	clients := h.registry.Snapshot()
	for _, client := range clients {
		if _, ok := h.registry.Disconnect(client.id); ok {
			close(client.send)
		}
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Error("Error closing client connection", "addr", client.addr, "error", err)
		}
	}

	h.log.Info("Closed client connections", "count", len(clients))
}

// Shutdown stops the loop, then waits for client pumps and pending
// persistence jobs, up to timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		h.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
