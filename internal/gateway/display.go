package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var ErrDeviceOffline = errors.New("display device not connected")

const (
	displayWriteWait = 10 * time.Second
	displayPongWait  = 60 * time.Second
)

type displayMessage struct {
	Type   string    `json:"type"`
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

type displayConn struct {
	conn     *websocket.Conn
	deviceID string
	writeMu  sync.Mutex
}

func (c *displayConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(displayWriteWait))
	return c.conn.WriteJSON(v)
}

// DisplayHub tracks smart-display websocket connections by device id and
// doubles as the display channel gateway.
type DisplayHub struct {
	mu      sync.RWMutex
	devices map[string]map[*displayConn]struct{}
	logger  *logrus.Logger
}

func NewDisplayHub(logger *logrus.Logger) *DisplayHub {
	return &DisplayHub{
		devices: make(map[string]map[*displayConn]struct{}),
		logger:  logger,
	}
}

// Serve registers conn for deviceID and blocks reading until the peer goes
// away.
func (h *DisplayHub) Serve(deviceID string, conn *websocket.Conn) {
	c := &displayConn{conn: conn, deviceID: deviceID}
	h.add(c)
	defer h.remove(c)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(displayPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(displayPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(displayPongWait))
	}
}

func (h *DisplayHub) add(c *displayConn) {
	h.mu.Lock()
	conns, ok := h.devices[c.deviceID]
	if !ok {
		conns = make(map[*displayConn]struct{})
		h.devices[c.deviceID] = conns
	}
	conns[c] = struct{}{}
	total := len(conns)
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{"device_id": c.deviceID, "connections": total}).Info("Display connected")
}

func (h *DisplayHub) remove(c *displayConn) {
	h.mu.Lock()
	if conns, ok := h.devices[c.deviceID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.devices, c.deviceID)
		}
	}
	h.mu.Unlock()

	_ = c.conn.Close()
	h.logger.WithField("device_id", c.deviceID).Info("Display disconnected")
}

func (h *DisplayHub) Connected(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices[deviceID])
}

func (h *DisplayHub) Send(ctx context.Context, address, message string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("display: %w", ErrInvalidAddress)
	}

	h.mu.RLock()
	conns := make([]*displayConn, 0, len(h.devices[address]))
	for c := range h.devices[address] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return "", fmt.Errorf("display %s: %w", address, ErrDeviceOffline)
	}

	title, body := splitTitle(message)
	msg := displayMessage{
		Type:   "reminder",
		ID:     uuid.NewString(),
		Title:  title,
		Body:   body,
		SentAt: time.Now().UTC(),
	}

	delivered := 0
	for _, c := range conns {
		if err := c.writeJSON(msg); err != nil {
			h.logger.WithError(err).WithField("device_id", address).Warn("Display write failed")
			go h.remove(c)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return "", fmt.Errorf("display %s: no connection accepted the message", address)
	}
	return msg.ID, nil
}

// Heartbeat pings every connection until ctx is done.
func (h *DisplayHub) Heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 || interval >= displayPongWait {
		interval = displayPongWait / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			var all []*displayConn
			for _, conns := range h.devices {
				for c := range conns {
					all = append(all, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range all {
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
				c.writeMu.Unlock()
				if err != nil {
					go h.remove(c)
				}
			}
		}
	}
}
