package route

import (
	"path/filepath"
	"sync/atomic"

	"github.com/sagernet/fswatch"
	"github.com/sagernet/sing-mitm/adapter"
	"github.com/sagernet/sing-mitm/option"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
)

var _ adapter.Rule = (*LocalRuleSet)(nil)

// LocalRuleSet holds ignore rules read from a file and reloads them when the
// file changes. It matches when any of its rules does.
type LocalRuleSet struct {
	logger  logger.Logger
	path    string
	rules   atomic.Pointer[[]adapter.Rule]
	watcher *fswatch.Watcher
}

func NewLocalRuleSet(logger logger.Logger, path string) (*LocalRuleSet, error) {
	ruleSet := &LocalRuleSet{
		logger: logger,
		path:   path,
	}
	err := ruleSet.reload()
	if err != nil {
		return nil, err
	}
	return ruleSet, nil
}

func (s *LocalRuleSet) reload() error {
	ruleOptions, err := option.ReadIgnoreRules(s.path)
	if err != nil {
		return E.Cause(err, "read rule-set at ", s.path)
	}
	rules, err := NewRules(ruleOptions)
	if err != nil {
		return E.Cause(err, "parse rule-set at ", s.path)
	}
	s.rules.Store(&rules)
	return nil
}

func (s *LocalRuleSet) Start() error {
	filePath, _ := filepath.Abs(s.path)
	watcher, err := fswatch.NewWatcher(fswatch.Options{
		Path: []string{filePath},
		Callback: func(path string) {
			uErr := s.reload()
			if uErr != nil {
				s.logger.Error(E.Cause(uErr, "reload rule-set"))
			} else {
				s.logger.Info("reloaded rule-set ", s.path)
			}
		},
	})
	if err != nil {
		return err
	}
	err = watcher.Start()
	if err != nil {
		watcher.Close()
		return E.Cause(err, "watch rule-set file")
	}
	s.watcher = watcher
	return nil
}

func (s *LocalRuleSet) Rules() []adapter.Rule {
	return *s.rules.Load()
}

func (s *LocalRuleSet) Match(metadata *adapter.InboundContext) bool {
	for _, rule := range s.Rules() {
		if rule.Match(metadata) {
			return true
		}
	}
	return false
}

func (s *LocalRuleSet) String() string {
	return "rule_set=" + s.path
}

func (s *LocalRuleSet) Close() error {
	return common.Close(common.PtrOrNil(s.watcher))
}
