package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FeedMessage is the live telemetry frame pushed to WebSocket clients.
type FeedMessage struct {
	Timestamp    time.Time  `json:"timestamp"`
	Position     [3]float64 `json:"position"`
	Velocity     [3]float64 `json:"velocity"`
	Attitude     [3]float64 `json:"attitude"`
	AngularRate  [3]float64 `json:"angular_rate"`
	Thrust       float64    `json:"thrust"`
	SafetyState  string     `json:"safety_state"`
	ControlMode  string     `json:"control_mode"`
	PlanDegraded bool       `json:"plan_degraded"`
}

// LiveFeed broadcasts telemetry frames to connected WebSocket clients.
type LiveFeed struct {
	mu      sync.RWMutex
	clients map[*feedClient]bool
	logger  *logrus.Entry

	upgrader websocket.Upgrader

	messagesSent uint64
}

type feedClient struct {
	conn *websocket.Conn
	send chan FeedMessage
}

// NewLiveFeed creates an empty feed.
func NewLiveFeed(logger *logrus.Entry) *LiveFeed {
	return &LiveFeed{
		clients: make(map[*feedClient]bool),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Broadcast pushes a frame to every client, dropping frames for slow
// consumers rather than blocking the telemetry task.
func (f *LiveFeed) Broadcast(msg FeedMessage) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for client := range f.clients {
		select {
		case client.send <- msg:
			f.messagesSent++
		default:
		}
	}
}

// HandleWebSocket upgrades an HTTP request into a feed subscription.
func (f *LiveFeed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &feedClient{
		conn: conn,
		send: make(chan FeedMessage, 16),
	}

	f.mu.Lock()
	f.clients[client] = true
	f.mu.Unlock()
	f.logger.Info("Live feed client connected")

	go f.writePump(client)
}

func (f *LiveFeed) writePump(client *feedClient) {
	defer func() {
		f.mu.Lock()
		delete(f.clients, client)
		f.mu.Unlock()
		client.conn.Close()
	}()

	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := client.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// Serve exposes the feed on /ws/telemetry until ctx is done.
func (f *LiveFeed) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/telemetry", f.HandleWebSocket)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	f.logger.WithField("port", port).Info("Live feed listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
