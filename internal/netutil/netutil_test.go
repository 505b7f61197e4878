package netutil

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsLocal(t *testing.T) {
	assert.True(t, IsLocal(net.ParseIP("127.0.0.1")))
	assert.False(t, IsLocal(net.ParseIP("203.0.113.77")))

	ips, err := LocalIPs()
	require.NoError(t, err)
	for _, ip := range ips {
		assert.True(t, IsLocal(ip), ip.String())
	}
}

func TestServerURL(t *testing.T) {
	u := ServerURL(8080)
	assert.True(t, strings.HasPrefix(u, "http://"))
	assert.True(t, strings.HasSuffix(u, ":8080"))
}
