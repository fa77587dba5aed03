// Package camera streams browser camera frames to the portal over a
// WebSocket and hands them out as exclusively held frame sources.
package camera

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrPermissionDenied means the client has no usable camera stream: the
	// feed is not connected or the browser refused camera access.
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrDeviceBusy       = errors.New("camera already in use")
	ErrReleased         = errors.New("camera released")
)

const (
	maxFrameBytes = 4 << 20
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingEvery     = 25 * time.Second
)

// Control messages sent to and received from the browser.
const (
	ControlStart  = "start"
	ControlStop   = "stop"
	ControlDenied = "denied"
)

type controlMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type feed struct {
	clientID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	frame  []byte
	seq    uint64
	notify chan struct{}
	denied bool
	closed bool
	lease  *Lease
}

func (f *feed) send(msgType string) error {
	data, _ := json.Marshal(controlMessage{Type: msgType})
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

// signalLocked wakes every Capture waiting on the feed.
func (f *feed) signalLocked() {
	close(f.notify)
	f.notify = make(chan struct{})
}

// Hub tracks one camera feed per client.
type Hub struct {
	mu     sync.RWMutex
	feeds  map[string]*feed
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{feeds: make(map[string]*feed), logger: logger}
}

// ServeFeed upgrades the request and pumps frames for clientID until the
// connection drops. A newer feed for the same client replaces the old one.
func (h *Hub) ServeFeed(w http.ResponseWriter, r *http.Request, clientID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("camera feed upgrade failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	f := &feed{clientID: clientID, conn: conn, notify: make(chan struct{})}

	h.mu.Lock()
	old := h.feeds[clientID]
	h.feeds[clientID] = f
	h.mu.Unlock()
	if old != nil {
		h.shutdown(old)
	}
	h.logger.Debug("camera feed connected", zap.String("client_id", clientID))

	done := make(chan struct{})
	defer func() {
		close(done)
		h.mu.Lock()
		if h.feeds[clientID] == f {
			delete(h.feeds, clientID)
		}
		h.mu.Unlock()
		h.shutdown(f)
		h.logger.Debug("camera feed disconnected", zap.String("client_id", clientID))
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				f.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				f.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch kind {
		case websocket.BinaryMessage:
			f.mu.Lock()
			f.frame = data
			f.seq++
			f.denied = false
			f.signalLocked()
			f.mu.Unlock()
		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				h.logger.Debug("invalid camera control message", zap.String("client_id", clientID), zap.Error(err))
				continue
			}
			if msg.Type == ControlDenied {
				f.mu.Lock()
				f.denied = true
				f.signalLocked()
				f.mu.Unlock()
				h.logger.Info("browser denied camera access", zap.String("client_id", clientID))
			}
		}
	}
}

func (h *Hub) shutdown(f *feed) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.lease = nil
	f.signalLocked()
	f.mu.Unlock()
	_ = f.conn.Close()
}

// Connected reports whether clientID has a live feed.
func (h *Hub) Connected(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.feeds[clientID]
	return ok
}

// Device returns the camera of clientID.
func (h *Hub) Device(clientID string) *Device {
	return &Device{hub: h, clientID: clientID}
}

// Release drops any lease held on clientID's camera.
func (h *Hub) Release(clientID string) {
	h.mu.RLock()
	f := h.feeds[clientID]
	h.mu.RUnlock()
	if f == nil {
		return
	}
	f.mu.Lock()
	lease := f.lease
	f.mu.Unlock()
	if lease != nil {
		_ = lease.Release()
	}
}

// Disconnect closes clientID's feed, releasing any lease on it.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	f := h.feeds[clientID]
	delete(h.feeds, clientID)
	h.mu.Unlock()
	if f != nil {
		h.shutdown(f)
	}
}

// Device is one client's camera.
type Device struct {
	hub      *Hub
	clientID string
}

// Acquire takes exclusive hold of the camera and asks the browser to start
// streaming.
func (d *Device) Acquire(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.hub.mu.RLock()
	f := d.hub.feeds[d.clientID]
	d.hub.mu.RUnlock()
	if f == nil {
		return nil, ErrPermissionDenied
	}

	f.mu.Lock()
	switch {
	case f.closed, f.denied:
		f.mu.Unlock()
		return nil, ErrPermissionDenied
	case f.lease != nil:
		f.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	lease := &Lease{feed: f, since: f.seq}
	f.lease = lease
	f.mu.Unlock()

	if err := f.send(ControlStart); err != nil {
		f.mu.Lock()
		if f.lease == lease {
			f.lease = nil
		}
		f.mu.Unlock()
		return nil, ErrPermissionDenied
	}
	return lease, nil
}

// Lease is an exclusive hold on a camera.
type Lease struct {
	feed  *feed
	since uint64
	once  sync.Once
}

// Capture returns the first frame received after the lease was taken, or
// the latest one if several arrived.
func (l *Lease) Capture(ctx context.Context) ([]byte, error) {
	f := l.feed
	for {
		f.mu.Lock()
		switch {
		case f.lease != l:
			f.mu.Unlock()
			return nil, ErrReleased
		case f.closed, f.denied:
			f.mu.Unlock()
			return nil, ErrPermissionDenied
		case f.seq > l.since && f.frame != nil:
			frame := append([]byte(nil), f.frame...)
			f.mu.Unlock()
			return frame, nil
		}
		wait := f.notify
		f.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release gives the camera back and tells the browser to stop streaming.
// It is safe to call more than once.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		f := l.feed
		f.mu.Lock()
		held := f.lease == l
		if held {
			f.lease = nil
			f.signalLocked()
		}
		closed := f.closed
		f.mu.Unlock()
		if held && !closed {
			err = f.send(ControlStop)
		}
	})
	return err
}
