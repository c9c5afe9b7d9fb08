package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateLeafSignedByCA(t *testing.T) {
	t.Parallel()
	certificatePEM, keyPEM, err := GenerateCA(nil, "sing-mitm")
	require.NoError(t, err)
	ca, err := tls.X509KeyPair(certificatePEM, keyPEM)
	require.NoError(t, err)

	leaf, err := GenerateKeyPair(nil, "example.com", &ca)
	require.NoError(t, err)
	require.Equal(t, []string{"example.com"}, leaf.Leaf.DNSNames)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(certificatePEM))
	_, err = leaf.Leaf.Verify(x509.VerifyOptions{
		DNSName:     "example.com",
		Roots:       roots,
		CurrentTime: time.Now(),
	})
	require.NoError(t, err)
}

func TestGenerateLeafForIPAddress(t *testing.T) {
	t.Parallel()
	leaf, err := GenerateKeyPair(nil, "192.0.2.1", nil)
	require.NoError(t, err)
	require.Empty(t, leaf.Leaf.DNSNames)
	require.Len(t, leaf.Leaf.IPAddresses, 1)
	require.Equal(t, "192.0.2.1", leaf.Leaf.IPAddresses[0].String())
}

func TestParseTLSVersion(t *testing.T) {
	t.Parallel()
	version, err := ParseTLSVersion("1.3")
	require.NoError(t, err)
	require.Equal(t, "TLSv1.3", VersionName(version))
	_, err = ParseTLSVersion("2.0")
	require.Error(t, err)
}
