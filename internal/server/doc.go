// Package server implements the HTTP and WebSocket relay for BeeChat.
//
// The Hub runs a single event loop: client read pumps decode JSON envelopes
// and queue them on the hub, which registers connections, derives presence,
// feeds image chunks to the transfer assembler, and fans finished messages
// out to every other connection. Persistence and history replay happen off
// the loop through the history service.
package server
