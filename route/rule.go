package route

import (
	"strings"

	"github.com/sagernet/sing-mitm/adapter"
	"github.com/sagernet/sing-mitm/option"
	E "github.com/sagernet/sing/common/exceptions"
)

type RuleItem interface {
	Match(metadata *adapter.InboundContext) bool
	String() string
}

var _ adapter.Rule = (*DefaultRule)(nil)

// DefaultRule matches when every item matches.
type DefaultRule struct {
	items  []RuleItem
	invert bool
}

func NewRule(options option.IgnoreRule) (*DefaultRule, error) {
	if !options.IsValid() {
		return nil, E.New("missing conditions")
	}
	rule := &DefaultRule{
		invert: options.Invert,
	}
	if len(options.Domain) > 0 || len(options.DomainSuffix) > 0 {
		rule.items = append(rule.items, NewDomainItem(options.Domain, options.DomainSuffix))
	}
	if len(options.DomainRegex) > 0 {
		item, err := NewDomainRegexItem(options.DomainRegex)
		if err != nil {
			return nil, E.Cause(err, "domain_regex")
		}
		rule.items = append(rule.items, item)
	}
	if len(options.JA3Fingerprint) > 0 {
		rule.items = append(rule.items, NewJA3FingerprintItem(options.JA3Fingerprint))
	}
	return rule, nil
}

// NewRules builds one rule per option entry.
func NewRules(options []option.IgnoreRule) ([]adapter.Rule, error) {
	rules := make([]adapter.Rule, 0, len(options))
	for i, ruleOptions := range options {
		rule, err := NewRule(ruleOptions)
		if err != nil {
			return nil, E.Cause(err, "parse ignore[", i, "]")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (r *DefaultRule) Match(metadata *adapter.InboundContext) bool {
	for _, item := range r.items {
		if !item.Match(metadata) {
			return r.invert
		}
	}
	return !r.invert
}

func (r *DefaultRule) String() string {
	descriptions := make([]string, 0, len(r.items))
	for _, item := range r.items {
		descriptions = append(descriptions, item.String())
	}
	description := strings.Join(descriptions, " ")
	if r.invert {
		description = "!(" + description + ")"
	}
	return description
}
