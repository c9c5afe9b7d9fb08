package route

import (
	"strings"

	"github.com/sagernet/sing-mitm/adapter"
	E "github.com/sagernet/sing/common/exceptions"

	R "github.com/dlclark/regexp2"
)

var _ RuleItem = (*DomainRegexItem)(nil)

type DomainRegexItem struct {
	matchers    []*R.Regexp
	description string
}

func NewDomainRegexItem(expressions []string) (*DomainRegexItem, error) {
	matchers := make([]*R.Regexp, 0, len(expressions))
	for i, expression := range expressions {
		matcher, err := R.Compile(expression, R.IgnoreCase)
		if err != nil {
			return nil, E.Cause(err, "parse expression ", i)
		}
		matchers = append(matchers, matcher)
	}
	description := "domain_regex="
	if len(expressions) == 1 {
		description += expressions[0]
	} else {
		description += "[" + strings.Join(expressions, " ") + "]"
	}
	return &DomainRegexItem{matchers, description}, nil
}

func (r *DomainRegexItem) Match(metadata *adapter.InboundContext) bool {
	domain := metadata.ServerName()
	if domain == "" {
		return false
	}
	for _, matcher := range r.matchers {
		matched, err := matcher.MatchString(domain)
		if err == nil && matched {
			return true
		}
	}
	return false
}

func (r *DomainRegexItem) String() string {
	return r.description
}
