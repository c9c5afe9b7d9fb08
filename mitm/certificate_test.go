package mitm

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/log"
	"github.com/sagernet/sing-mitm/option"

	"github.com/stretchr/testify/require"
)

func TestCertificateAuthorityStorePath(t *testing.T) {
	t.Parallel()
	storePath := t.TempDir()
	authority, err := NewCertificateAuthority(log.NewNOPFactory().Logger(), option.MITMOptions{StorePath: storePath})
	require.NoError(t, err)
	certificate, err := os.ReadFile(filepath.Join(storePath, C.CertificateStoreName))
	require.NoError(t, err)
	require.Equal(t, certificate, authority.CertificatePEM())
	keyInfo, err := os.Stat(filepath.Join(storePath, C.KeyStoreName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), keyInfo.Mode().Perm())

	reloaded, err := NewCertificateAuthority(log.NewNOPFactory().Logger(), option.MITMOptions{StorePath: storePath})
	require.NoError(t, err)
	require.Equal(t, authority.CertificatePEM(), reloaded.CertificatePEM())

	root, err := x509.ParseCertificate(authority.CertificateDER())
	require.NoError(t, err)
	require.True(t, root.IsCA)
	require.Equal(t, "sing-mitm", root.Subject.CommonName)
}

func TestCertificateAuthorityIssue(t *testing.T) {
	t.Parallel()
	authority, err := NewCertificateAuthority(log.NewNOPFactory().Logger(), option.MITMOptions{})
	require.NoError(t, err)
	var issued int
	authority.onIssue = func() {
		issued++
	}
	leaf, err := authority.GetCertificate("example.com")
	require.NoError(t, err)
	require.Len(t, leaf.Certificate, 2)
	cached, err := authority.GetCertificate("example.com")
	require.NoError(t, err)
	require.Same(t, leaf, cached)
	require.Equal(t, 1, issued)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(authority.CertificatePEM()))
	_, err = leaf.Leaf.Verify(x509.VerifyOptions{DNSName: "example.com", Roots: roots, CurrentTime: time.Now()})
	require.NoError(t, err)

	address, err := authority.GetCertificate("192.0.2.1")
	require.NoError(t, err)
	require.Len(t, address.Leaf.IPAddresses, 1)
	require.Equal(t, 2, issued)

	_, err = authority.GetCertificate("")
	require.Error(t, err)
}

func TestCertificateAuthorityReload(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	first, err := NewCertificateAuthority(log.NewNOPFactory().Logger(), option.MITMOptions{StorePath: filepath.Join(directory, "first")})
	require.NoError(t, err)
	second, err := NewCertificateAuthority(log.NewNOPFactory().Logger(), option.MITMOptions{StorePath: filepath.Join(directory, "second")})
	require.NoError(t, err)

	options := option.MITMOptions{
		CertificatePath: filepath.Join(directory, "first", C.CertificateStoreName),
		KeyPath:         filepath.Join(directory, "first", C.KeyStoreName),
	}
	authority, err := NewCertificateAuthority(log.NewNOPFactory().Logger(), options)
	require.NoError(t, err)
	require.Equal(t, first.CertificatePEM(), authority.CertificatePEM())
	leaf, err := authority.GetCertificate("example.com")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(options.CertificatePath, second.CertificatePEM(), 0o644))
	secondKey, err := os.ReadFile(filepath.Join(directory, "second", C.KeyStoreName))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(options.KeyPath, secondKey, 0o600))
	require.NoError(t, authority.reloadKeyPair())
	require.Equal(t, second.CertificatePEM(), authority.CertificatePEM())
	reissued, err := authority.GetCertificate("example.com")
	require.NoError(t, err)
	require.NotSame(t, leaf, reissued)
}

func TestCertificateAuthorityIncompleteOptions(t *testing.T) {
	t.Parallel()
	_, err := NewCertificateAuthority(log.NewNOPFactory().Logger(), option.MITMOptions{Key: "key"})
	require.Error(t, err)
	_, err = NewCertificateAuthority(log.NewNOPFactory().Logger(), option.MITMOptions{Certificate: "certificate"})
	require.Error(t, err)

	leafDirectory := t.TempDir()
	authority, err := NewCertificateAuthority(log.NewNOPFactory().Logger(), option.MITMOptions{StorePath: leafDirectory})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(leafDirectory, C.KeyStoreName)))
	_, err = NewCertificateAuthority(log.NewNOPFactory().Logger(), option.MITMOptions{StorePath: leafDirectory})
	require.Error(t, err)
	require.NotEmpty(t, authority.CertificateDER())
}
