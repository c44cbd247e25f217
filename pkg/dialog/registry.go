package dialog

import (
	"context"
	"sync"
	"time"
)

// DeviceInfo is what the HTTP device list exposes per client.
type DeviceInfo struct {
	MACAddress   string    `json:"macAddress"`
	DeviceModel  string    `json:"deviceModel"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// SessionInfo records one session for the lifetime of the process. The
// session map is append-only; entries outlive their connection.
type SessionInfo struct {
	SessionID string
	ClientID  string
	DeviceID  string
	StartedAt time.Time
}

// Registry tracks live connections, device metadata and session history.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	devices     map[string]DeviceInfo
	sessions    map[string]SessionInfo
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		devices:     make(map[string]DeviceInfo),
		sessions:    make(map[string]SessionInfo),
	}
}

// Register adds a connection and its session record.
func (r *Registry) Register(clientID string, conn *Connection) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[clientID] = conn
	if _, ok := r.devices[clientID]; !ok {
		r.devices[clientID] = DeviceInfo{ConnectedAt: now, LastActivity: now}
	}
	r.sessions[conn.SessionID()] = SessionInfo{
		SessionID: conn.SessionID(),
		ClientID:  clientID,
		DeviceID:  conn.DeviceID(),
		StartedAt: now,
	}
}

// Deregister removes a live connection. Device info and session history
// stay for the HTTP API.
func (r *Registry) Deregister(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, clientID)
}

// Get returns a live connection.
func (r *Registry) Get(clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[clientID]
	return conn, ok
}

// UpsertDevice merges client-reported device details.
func (r *Registry) UpsertDevice(clientID, mac, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := r.devices[clientID]
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	if mac != "" {
		info.MACAddress = mac
	}
	if model != "" {
		info.DeviceModel = model
	}
	info.LastActivity = time.Now()
	r.devices[clientID] = info
}

// Touch refreshes a device's last-activity timestamp.
func (r *Registry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.devices[clientID]; ok {
		info.LastActivity = time.Now()
		r.devices[clientID] = info
	}
}

// DeviceSnapshot lists devices for the HTTP API, keyed by client id.
func (r *Registry) DeviceSnapshot() map[string]DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]DeviceInfo, len(r.devices))
	for id, info := range r.devices {
		out[id] = info
	}
	return out
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// SessionCount returns the number of sessions seen since startup.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll shuts down every live connection, bounded by ctx.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, c := range conns {
			c.Close()
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
