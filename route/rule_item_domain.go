package route

import (
	"strings"

	"github.com/sagernet/sing-mitm/adapter"
)

var _ RuleItem = (*DomainItem)(nil)

type DomainItem struct {
	domains     map[string]bool
	suffixes    []string
	description string
}

// NewDomainItem matches exact domains and domain suffixes. A suffix without a
// leading dot also matches the domain itself.
func NewDomainItem(domains []string, domainSuffixes []string) *DomainItem {
	item := &DomainItem{
		domains: make(map[string]bool, len(domains)),
	}
	for _, domain := range domains {
		item.domains[strings.ToLower(domain)] = true
	}
	for _, suffix := range domainSuffixes {
		item.suffixes = append(item.suffixes, strings.ToLower(suffix))
	}
	var descriptions []string
	if len(domains) == 1 {
		descriptions = append(descriptions, "domain="+domains[0])
	} else if len(domains) > 1 {
		descriptions = append(descriptions, "domain=["+strings.Join(domains, " ")+"]")
	}
	if len(domainSuffixes) == 1 {
		descriptions = append(descriptions, "domain_suffix="+domainSuffixes[0])
	} else if len(domainSuffixes) > 1 {
		descriptions = append(descriptions, "domain_suffix=["+strings.Join(domainSuffixes, " ")+"]")
	}
	item.description = strings.Join(descriptions, " ")
	return item
}

func (r *DomainItem) Match(metadata *adapter.InboundContext) bool {
	domain := strings.ToLower(strings.TrimSuffix(metadata.ServerName(), "."))
	if domain == "" {
		return false
	}
	if r.domains[domain] {
		return true
	}
	for _, suffix := range r.suffixes {
		if strings.HasPrefix(suffix, ".") {
			if strings.HasSuffix(domain, suffix) {
				return true
			}
		} else if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
			return true
		}
	}
	return false
}

func (r *DomainItem) String() string {
	return r.description
}
