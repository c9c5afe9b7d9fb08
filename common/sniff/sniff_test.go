package sniff

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSkip(t *testing.T) {
	t.Parallel()
	require.True(t, Skip(25))
	require.True(t, Skip(993))
	require.False(t, Skip(443))
}

func TestLooksLikeHTTP(t *testing.T) {
	t.Parallel()
	require.True(t, LooksLikeHTTP([]byte("GET / HTTP/1.1\r\n")))
	require.True(t, LooksLikeHTTP([]byte("CONN")))
	require.True(t, LooksLikeHTTP([]byte("PRI * HTTP/2.0\r\n")))
	require.False(t, LooksLikeHTTP([]byte("SSH-2.0-OpenSSH")))
	require.False(t, LooksLikeHTTP([]byte{0x16, 0x03, 0x01}))
}
