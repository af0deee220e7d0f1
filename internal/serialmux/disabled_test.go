package serialmux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireClosed(t *testing.T, ch chan string) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected channel to be closed")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel to close")
	}
}

func TestDisabledUnsubscribeClosesChannel(t *testing.T) {
	d := NewDisabledSerialMux()
	id, ch := d.Subscribe()
	d.Unsubscribe(id)
	requireClosed(t, ch)

	// unknown ids are ignored
	d.Unsubscribe(id)
}

func TestDisabledCloseClosesAllChannels(t *testing.T) {
	d := NewDisabledSerialMux()
	_, ch1 := d.Subscribe()
	_, ch2 := d.Subscribe()

	require.NoError(t, d.Close())
	requireClosed(t, ch1)
	requireClosed(t, ch2)
	require.NoError(t, d.Close())

	_, late := d.Subscribe()
	requireClosed(t, late)
}

func TestDisabledDropsCommands(t *testing.T) {
	d := NewDisabledSerialMux()
	require.NoError(t, d.SendCommand("e"))
	require.NoError(t, d.SendCommand("0"))
	assert.Equal(t, 2, d.Dropped())

	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)
	req := httptest.NewRequest(http.MethodGet, "/debug/send-command", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "2 commands dropped")
}

func TestDisabledMonitorWaitsForCancel(t *testing.T) {
	d := NewDisabledSerialMux()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Monitor(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
