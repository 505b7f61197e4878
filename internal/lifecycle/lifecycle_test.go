package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanlinker/internal/config"
	"lanlinker/internal/mode"
)

func newTestLifecycle(t *testing.T, mutate func(*config.Config)) *Lifecycle {
	t.Helper()
	c, err := config.Load("")
	require.NoError(t, err)
	c.Port = 0
	c.QuickPath = t.TempDir()
	if mutate != nil {
		mutate(&c)
	}
	l := New(Options{
		Config: config.NewLive(c),
		Host:   "127.0.0.1",
		Router: func(m mode.Mode) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, m.String())
			})
		},
	})
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	return l
}

func get(t *testing.T, port int) string {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestSwitchAndStop(t *testing.T) {
	l := newTestLifecycle(t, nil)
	ctx := context.Background()

	_, ok := l.Advertise()
	assert.False(t, ok)

	require.NoError(t, l.Switch(ctx, mode.LocalShare))
	port, ok := l.Advertise()
	require.True(t, ok)
	assert.Equal(t, "local_share", get(t, port))

	require.NoError(t, l.Switch(ctx, mode.QuickShare))
	assert.Equal(t, mode.QuickShare, l.Mode())
	port2, _ := l.Advertise()
	assert.Equal(t, "quick_share", get(t, port2))

	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, mode.Stopped, l.Mode())
	_, ok = l.Advertise()
	assert.False(t, ok)
	_, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port2))
	assert.Error(t, err, "listener must be released after Stop")

	// stopping twice is fine
	require.NoError(t, l.Stop(ctx))
}

func TestSwitchRefusesAuthModeWithoutPin(t *testing.T) {
	l := newTestLifecycle(t, func(c *config.Config) { c.Pin = "" })
	assert.Error(t, l.Switch(context.Background(), mode.RemoteDisk))
	assert.Equal(t, mode.Stopped, l.Mode())

	g := newTestLifecycle(t, func(c *config.Config) {
		c.Pin = ""
		c.GlobalAuth = true
	})
	assert.Error(t, g.Switch(context.Background(), mode.LocalShare))
}

func TestSwitchBindFailureLeavesStopped(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	taken := busy.Addr().(*net.TCPAddr).Port

	l := newTestLifecycle(t, func(c *config.Config) { c.Port = taken })
	assert.Error(t, l.Switch(context.Background(), mode.LocalShare))
	assert.Equal(t, mode.Stopped, l.Mode())
}

func TestPreflight(t *testing.T) {
	l := newTestLifecycle(t, nil)
	l.opt.Preflight = func(m mode.Mode) error {
		if m == mode.LocalShare {
			return errors.New("root missing")
		}
		return nil
	}
	assert.EqualError(t, l.Switch(context.Background(), mode.LocalShare), "root missing")
	assert.Equal(t, mode.Stopped, l.Mode())
}

func TestTrafficAccounting(t *testing.T) {
	l := newTestLifecycle(t, nil)
	require.NoError(t, l.Switch(context.Background(), mode.LocalShare))
	port, _ := l.Advertise()
	get(t, port)

	st := l.Status()
	assert.Equal(t, "local_share", st.Mode)
	assert.Equal(t, port, st.Port)
	assert.Positive(t, st.BytesIn)
	assert.Positive(t, st.BytesOut)
	assert.EqualValues(t, 1, st.Connections)
}

func TestQRCode(t *testing.T) {
	l := newTestLifecycle(t, nil)
	_, err := l.QRCode(0)
	assert.Error(t, err)

	require.NoError(t, l.Switch(context.Background(), mode.LocalShare))
	b, err := l.QRCode(128)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())
}
