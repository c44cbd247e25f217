package dialog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistryConn(sessionID, clientID string) (*Connection, *fakeTransport) {
	transport := &fakeTransport{}
	conn := NewConnection(ConnectionConfig{
		Transport: transport,
		Providers: &fakeProviders{asr: &fakeASRProvider{}, llm: &fakeLLM{}, tts: &fakeTTS{}},
		SessionID: sessionID,
		ClientID:  clientID,
		DeviceID:  "dev-" + clientID,
	})
	return conn, transport
}

func TestRegistryRegisterDeregister(t *testing.T) {
	r := NewRegistry()
	conn, _ := newRegistryConn("sess-1", "client-1")
	defer conn.Close()

	r.Register("client-1", conn)
	assert.Equal(t, 1, r.ConnectionCount())
	assert.Equal(t, 1, r.SessionCount())

	got, ok := r.Get("client-1")
	require.True(t, ok)
	assert.Same(t, conn, got)

	r.Deregister("client-1")
	assert.Equal(t, 0, r.ConnectionCount())
	_, ok = r.Get("client-1")
	assert.False(t, ok)

	// Device metadata and session history survive the disconnect.
	assert.Len(t, r.DeviceSnapshot(), 1)
	assert.Equal(t, 1, r.SessionCount())
}

func TestRegistryUpsertDevice(t *testing.T) {
	r := NewRegistry()

	r.UpsertDevice("client-1", "aa:bb:cc:dd:ee:ff", "esp32-s3")
	devices := r.DeviceSnapshot()
	require.Contains(t, devices, "client-1")
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", devices["client-1"].MACAddress)
	assert.Equal(t, "esp32-s3", devices["client-1"].DeviceModel)
	assert.False(t, devices["client-1"].ConnectedAt.IsZero())

	// Empty fields never overwrite known values.
	r.UpsertDevice("client-1", "", "")
	devices = r.DeviceSnapshot()
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", devices["client-1"].MACAddress)
	assert.Equal(t, "esp32-s3", devices["client-1"].DeviceModel)
}

func TestRegistryTouch(t *testing.T) {
	r := NewRegistry()
	r.UpsertDevice("client-1", "aa:bb:cc:dd:ee:ff", "")
	before := r.DeviceSnapshot()["client-1"].LastActivity

	time.Sleep(5 * time.Millisecond)
	r.Touch("client-1")
	after := r.DeviceSnapshot()["client-1"].LastActivity
	assert.True(t, after.After(before))

	// Touching an unknown client is a no-op.
	r.Touch("client-unknown")
	assert.NotContains(t, r.DeviceSnapshot(), "client-unknown")
}

func TestRegistrySessionPerConnection(t *testing.T) {
	r := NewRegistry()
	conn1, _ := newRegistryConn("sess-1", "client-1")
	defer conn1.Close()
	conn2, _ := newRegistryConn("sess-2", "client-1")
	defer conn2.Close()

	r.Register("client-1", conn1)
	r.Deregister("client-1")
	r.Register("client-1", conn2)

	// Same client reconnecting yields a second session record but one
	// device entry.
	assert.Equal(t, 2, r.SessionCount())
	assert.Len(t, r.DeviceSnapshot(), 1)
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	conn1, tr1 := newRegistryConn("sess-1", "client-1")
	conn2, tr2 := newRegistryConn("sess-2", "client-2")
	r.Register("client-1", conn1)
	r.Register("client-2", conn2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.CloseAll(ctx)

	assert.Equal(t, 0, r.ConnectionCount())
	assert.Equal(t, StateClosed, conn1.State())
	assert.Equal(t, StateClosed, conn2.State())
	assert.True(t, tr1.closed)
	assert.True(t, tr2.closed)
}
