package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/infrastructure/middleware"
	apperrors "rillcast/pkg/errors"
	"rillcast/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StatusMessageType is sent once to every viewer right after it connects.
const StatusMessageType = "stream.status"

type HubConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

// RoomStatus is what the hub needs to greet a new viewer.
type RoomStatus interface {
	Status(roomID domain.RoomID) bool
	PlaybackURL(roomID domain.RoomID) string
}

type StatusMessage struct {
	Type        string        `json:"type"`
	RoomID      domain.RoomID `json:"room_id"`
	Streaming   bool          `json:"streaming"`
	PlaybackURL string        `json:"playback_url"`
}

// NotifyHub pushes stream lifecycle events to viewers waiting on a room.
type NotifyHub struct {
	config   HubConfig
	status   RoomStatus
	limiter  *middleware.ConnectionLimiter
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	rooms   map[domain.RoomID]map[*viewer]struct{}
	closed  bool
	closing chan struct{}
}

type viewer struct {
	conn    *websocket.Conn
	roomID  domain.RoomID
	send    chan []byte
	done    chan struct{}
	release func()
	once    sync.Once
}

func (v *viewer) close() {
	v.once.Do(func() {
		close(v.done)
		_ = v.conn.Close()
		v.release()
	})
}

func NewNotifyHub(config HubConfig, status RoomStatus, limiter *middleware.ConnectionLimiter, logger *zap.SugaredLogger) *NotifyHub {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 16
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= config.PingInterval {
		config.PongTimeout = 2 * config.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	h := &NotifyHub{
		config:  config,
		status:  status,
		limiter: limiter,
		logger:  logger,
		rooms:   make(map[domain.RoomID]map[*viewer]struct{}),
		closing: make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *NotifyHub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeRoom upgrades GET /ws/rooms/:id and streams the room's events until
// the viewer goes away.
func (h *NotifyHub) ServeRoom(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		appErr := apperrors.NewInvalidInputError(err.Error())
		c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": string(appErr.Code), "message": appErr.Message})
		return
	}
	roomID := domain.RoomID(id)

	release, appErr := h.limiter.Acquire(c.Request)
	if appErr != nil {
		c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": string(appErr.Code), "message": appErr.Message})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		h.logger.Warnw("websocket upgrade failed",
			"room_id", roomID,
			"error", err,
		)
		return
	}

	v := &viewer{
		conn:    conn,
		roomID:  roomID,
		send:    make(chan []byte, h.config.SendBuffer),
		done:    make(chan struct{}),
		release: release,
	}

	if greeting, err := json.Marshal(h.statusMessage(roomID)); err == nil {
		v.send <- greeting
	}

	if !h.register(v) {
		v.close()
		return
	}

	h.logger.Debugw("viewer connected", "room_id", roomID, "remote_addr", c.ClientIP())

	go h.writePump(v)
	h.readPump(v)
}

func (h *NotifyHub) statusMessage(roomID domain.RoomID) StatusMessage {
	msg := StatusMessage{Type: StatusMessageType, RoomID: roomID}
	if h.status != nil {
		msg.Streaming = h.status.Status(roomID)
		msg.PlaybackURL = h.status.PlaybackURL(roomID)
	}
	return msg
}

func (h *NotifyHub) register(v *viewer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	viewers, ok := h.rooms[v.roomID]
	if !ok {
		viewers = make(map[*viewer]struct{})
		h.rooms[v.roomID] = viewers
	}
	viewers[v] = struct{}{}
	return true
}

func (h *NotifyHub) unregister(v *viewer) {
	h.mu.Lock()
	if viewers, ok := h.rooms[v.roomID]; ok {
		delete(viewers, v)
		if len(viewers) == 0 {
			delete(h.rooms, v.roomID)
		}
	}
	h.mu.Unlock()
	v.close()
}

// readPump discards anything the viewer sends and keeps the read deadline
// fresh on pongs.
func (h *NotifyHub) readPump(v *viewer) {
	defer func() {
		h.unregister(v)
		h.logger.Debugw("viewer disconnected", "room_id", v.roomID)
	}()

	v.conn.SetReadLimit(512)
	_ = v.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugw("viewer read failed", "room_id", v.roomID, "error", err)
			}
			return
		}
	}
}

func (h *NotifyHub) writePump(v *viewer) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		h.unregister(v)
	}()

	for {
		select {
		case <-v.done:
			return
		case <-h.closing:
			_ = v.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(h.config.WriteTimeout))
			return
		case msg := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleEvent forwards stream lifecycle events to the room's viewers. A
// viewer whose buffer is full is disconnected.
func (h *NotifyHub) HandleEvent(_ context.Context, event *domain.StreamEvent) {
	switch event.Type {
	case domain.EventStreamStarted, domain.EventStreamReady, domain.EventStreamEnded, domain.EventStreamFailed:
	default:
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warnw("failed to encode event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	viewers := make([]*viewer, 0, len(h.rooms[event.RoomID]))
	for v := range h.rooms[event.RoomID] {
		viewers = append(viewers, v)
	}
	h.mu.RUnlock()

	for _, v := range viewers {
		select {
		case v.send <- payload:
		case <-v.done:
		default:
			h.logger.Warnw("dropping slow viewer", "room_id", event.RoomID)
			h.unregister(v)
		}
	}
}

// Viewers returns the number of connected viewers of the room.
func (h *NotifyHub) Viewers(roomID domain.RoomID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Rooms lists rooms with at least one viewer, sorted.
func (h *NotifyHub) Rooms() []domain.RoomID {
	h.mu.RLock()
	rooms := make([]domain.RoomID, 0, len(h.rooms))
	for id := range h.rooms {
		rooms = append(rooms, id)
	}
	h.mu.RUnlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// Close sends a going-away frame to every viewer and refuses new ones.
func (h *NotifyHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.closing)
	h.mu.Unlock()
}
