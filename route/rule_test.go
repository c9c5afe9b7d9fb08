package route

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sagernet/sing-mitm/adapter"
	"github.com/sagernet/sing-mitm/log"
	"github.com/sagernet/sing-mitm/option"
	M "github.com/sagernet/sing/common/metadata"

	"github.com/stretchr/testify/require"
)

func TestDomainItem(t *testing.T) {
	t.Parallel()
	item := NewDomainItem([]string{"Example.com"}, []string{".apple.com", "icloud.com"})
	for _, testCase := range []struct {
		host  string
		match bool
	}{
		{"example.com", true},
		{"EXAMPLE.COM.", true},
		{"www.example.com", false},
		{"gs.apple.com", true},
		{"apple.com", false},
		{"icloud.com", true},
		{"p1.icloud.com", true},
		{"noticloud.com", false},
		{"", false},
	} {
		require.Equal(t, testCase.match, item.Match(&adapter.InboundContext{SniffHost: testCase.host}), testCase.host)
	}
	require.Equal(t, "domain=Example.com domain_suffix=[.apple.com icloud.com]", item.String())
}

func TestDomainItemUsesDestination(t *testing.T) {
	t.Parallel()
	item := NewDomainItem([]string{"example.com"}, nil)
	require.True(t, item.Match(&adapter.InboundContext{Destination: M.ParseSocksaddr("example.com:443")}))
	require.False(t, item.Match(&adapter.InboundContext{Destination: M.ParseSocksaddr("192.0.2.1:443")}))
}

func TestDomainRegexItem(t *testing.T) {
	t.Parallel()
	item, err := NewDomainRegexItem([]string{`^(.+\.)?bank\.example$`})
	require.NoError(t, err)
	require.True(t, item.Match(&adapter.InboundContext{SniffHost: "online.BANK.example"}))
	require.False(t, item.Match(&adapter.InboundContext{SniffHost: "bank.example.com"}))

	_, err = NewDomainRegexItem([]string{"("})
	require.Error(t, err)
}

func TestJA3FingerprintItem(t *testing.T) {
	t.Parallel()
	ja3 := "771,4865-4866,0-23,29-23,0"
	sum := md5.Sum([]byte(ja3))
	hash := hex.EncodeToString(sum[:])
	item := NewJA3FingerprintItem([]string{ja3, "ABCDEF"})
	require.True(t, item.Match(&adapter.InboundContext{JA3Fingerprint: hash}))
	require.True(t, item.Match(&adapter.InboundContext{JA3Fingerprint: "abcdef"}))
	require.False(t, item.Match(&adapter.InboundContext{}))
}

func TestDefaultRule(t *testing.T) {
	t.Parallel()
	rule, err := NewRule(option.IgnoreRule{
		DomainSuffix:   []string{"example.com"},
		JA3Fingerprint: []string{"abc"},
	})
	require.NoError(t, err)
	require.True(t, rule.Match(&adapter.InboundContext{SniffHost: "a.example.com", JA3Fingerprint: "abc"}))
	require.False(t, rule.Match(&adapter.InboundContext{SniffHost: "a.example.com", JA3Fingerprint: "def"}))
	require.Equal(t, "domain_suffix=example.com ja3_fingerprint=abc", rule.String())

	inverted, err := NewRule(option.IgnoreRule{Domain: []string{"example.com"}, Invert: true})
	require.NoError(t, err)
	require.False(t, inverted.Match(&adapter.InboundContext{SniffHost: "example.com"}))
	require.True(t, inverted.Match(&adapter.InboundContext{SniffHost: "other.com"}))

	_, err = NewRule(option.IgnoreRule{})
	require.Error(t, err)
}

func TestLocalRuleSet(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ignore.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"domain": "pinned.example.com"}]`), 0o644))
	ruleSet, err := NewLocalRuleSet(log.NewNOPFactory().Logger(), path)
	require.NoError(t, err)
	require.True(t, ruleSet.Match(&adapter.InboundContext{SniffHost: "pinned.example.com"}))
	require.False(t, ruleSet.Match(&adapter.InboundContext{SniffHost: "example.com"}))

	require.NoError(t, os.WriteFile(path, []byte(`[{"domain": "example.com"}]`), 0o644))
	require.NoError(t, ruleSet.reload())
	require.True(t, ruleSet.Match(&adapter.InboundContext{SniffHost: "example.com"}))

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	require.Error(t, ruleSet.reload())
	require.Len(t, ruleSet.Rules(), 1)
}

func TestLocalRuleSetWatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ignore.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"domain": "pinned.example.com"}]`), 0o644))
	ruleSet, err := NewLocalRuleSet(log.NewNOPFactory().Logger(), path)
	require.NoError(t, err)
	require.NoError(t, ruleSet.Start())
	defer ruleSet.Close()

	require.NoError(t, os.WriteFile(path, []byte(`[{"domain_suffix": "example.org"}]`), 0o644))
	require.Eventually(t, func() bool {
		return ruleSet.Match(&adapter.InboundContext{SniffHost: "www.example.org"})
	}, 5*time.Second, 20*time.Millisecond)
}
