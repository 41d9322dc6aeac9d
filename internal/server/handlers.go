// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, relay stats, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

func newUpgrader(log *slog.Logger) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(log, r)
		},
	}
}

// WebSocketHandler upgrades GET requests and registers the connection with
// hub. The display name comes from the "user" query parameter.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	upgrader := newUpgrader(hub.log)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr, r.URL.Query().Get("user"))

		// The hub launches the pump goroutines on registration.
		select {
		case hub.register <- client:
		case <-hub.ctx.Done():
			_ = conn.Close()
		}
	}
}

// HealthHandler responds with a plain text liveness message.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "BeeChat server is running!")
}

// StatsHandler reports connection count, presence and open transfers.
func StatsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(hub.Stats()); err != nil {
			hub.log.Error("Error writing stats response", "error", err)
		}
	}
}

// TestPageHandler serves a minimal page that chats and uploads images in
// chunks over the WebSocket endpoint.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>BeeChat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; }
        #messages img { max-width: 200px; display: block; }
        .status { margin: 10px 0; padding: 5px; }
        .online { background-color: #d4edda; }
        .offline { background-color: #f8d7da; }
    </style>
</head>
<body>
    <h1>BeeChat Test</h1>
    <div id="status" class="status offline">Alone</div>
    <div>
        <input type="text" id="user" placeholder="Your name">
        <button onclick="connect()">Connect</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message...">
        <button onclick="sendMessage()">Send</button>
        <input type="file" id="imageInput" accept="image/*" onchange="sendImage(this.files[0])">
    </div>
    <div id="messages"></div>

    <script>
        const CHUNK_SIZE = 16 * 1024;
        let ws = null;
        const messagesDiv = document.getElementById('messages');

        function show(user, node) {
            const el = document.createElement('div');
            el.appendChild(document.createTextNode(user + ': '));
            el.appendChild(node);
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function emit(event, data) {
            ws.send(JSON.stringify({event: event, data: data}));
        }

        function handle(env) {
            if (env.event === 'chat message') {
                show(env.data.user, document.createTextNode(env.data.msg));
            } else if (env.event === 'image-complete') {
                const img = document.createElement('img');
                img.src = env.data.imageData;
                show(env.data.user, img);
            } else if (env.event === 'user status') {
                const s = document.getElementById('status');
                s.textContent = env.data.online ? 'Someone else is here' : 'Alone';
                s.className = 'status ' + (env.data.online ? 'online' : 'offline');
            }
        }

        function connect() {
            const user = document.getElementById('user').value || 'anonymous';
            ws = new WebSocket('ws://' + location.host + '/ws?user=' + encodeURIComponent(user));
            ws.onmessage = e => e.data.split('\n').forEach(line => handle(JSON.parse(line)));
        }

        function sendMessage() {
            const input = document.getElementById('messageInput');
            const user = document.getElementById('user').value;
            if (!ws || !input.value.trim()) return;
            emit('chat message', {user: user, msg: input.value});
            show('You', document.createTextNode(input.value));
            input.value = '';
        }

        function sendImage(file) {
            if (!ws || !file) return;
            const reader = new FileReader();
            reader.onload = () => {
                const data = reader.result;
                const fileId = 'img_' + Date.now();
                const total = Math.ceil(data.length / CHUNK_SIZE);
                emit('image-metadata', {fileId: fileId, totalChunks: total, user: document.getElementById('user').value});
                for (let i = 0; i < total; i++) {
                    emit('image-chunk', {fileId: fileId, chunkIndex: i, chunk: data.slice(i * CHUNK_SIZE, (i + 1) * CHUNK_SIZE), last: i === total - 1});
                }
                const img = document.createElement('img');
                img.src = data;
                show('You', img);
            };
            reader.readAsDataURL(file);
        }
    </script>
</body>
</html>`
