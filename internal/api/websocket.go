package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const hubWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS policy is enforced by the router middleware
	},
}

// Hub maintains the set of live websocket clients and fans dispatched
// alerts out to them.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
	log       *logrus.Logger
}

func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
		log:       log,
	}
}

// Run pumps broadcast frames to every client until ctx is cancelled,
// then closes all connections.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				// A write deadline keeps one stuck client from hanging the hub.
				_ = client.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					h.log.WithError(err).Debug("Websocket write failed, dropping client")
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return
		}
	}
}

// Subscribe handles incoming websocket connections.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()

	h.log.WithField("clients", total).Info("Websocket client connected")

	// We only push down, but reading is what surfaces disconnects.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			remaining := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			h.log.WithField("clients", remaining).Info("Websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.WithError(err).Debug("Websocket read error")
				}
				break
			}
		}
	}()
}

// Broadcast queues a frame for all clients. It never blocks: it runs on
// the alert dispatch path, so a full queue drops the frame instead.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}
