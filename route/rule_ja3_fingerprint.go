package route

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/sagernet/sing-mitm/adapter"
)

var _ RuleItem = (*JA3FingerprintItem)(nil)

// JA3FingerprintItem matches the JA3 hash of the intercepted ClientHello.
// Entries are hashes or full JA3 strings, which are hashed here.
type JA3FingerprintItem struct {
	fingerprints []string
	hashes       map[string]bool
}

func NewJA3FingerprintItem(fingerprints []string) *JA3FingerprintItem {
	item := &JA3FingerprintItem{
		fingerprints: fingerprints,
		hashes:       make(map[string]bool, len(fingerprints)),
	}
	for _, fingerprint := range fingerprints {
		item.hashes[ja3Hash(fingerprint)] = true
	}
	return item
}

func ja3Hash(fingerprint string) string {
	fingerprint = strings.TrimSpace(fingerprint)
	if strings.Contains(fingerprint, ",") {
		sum := md5.Sum([]byte(fingerprint))
		return hex.EncodeToString(sum[:])
	}
	return strings.ToLower(fingerprint)
}

func (r *JA3FingerprintItem) Match(metadata *adapter.InboundContext) bool {
	if metadata.JA3Fingerprint == "" {
		return false
	}
	return r.hashes[strings.ToLower(metadata.JA3Fingerprint)]
}

func (r *JA3FingerprintItem) String() string {
	if len(r.fingerprints) == 1 {
		return "ja3_fingerprint=" + r.fingerprints[0]
	}
	return "ja3_fingerprint=[" + strings.Join(r.fingerprints, " ") + "]"
}
