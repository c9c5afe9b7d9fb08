package option

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"

	"gopkg.in/yaml.v3"
)

// ReadOptions loads a JSON (with comments) or YAML configuration file.
func ReadOptions(path string) (Options, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Options{}, E.Cause(err, "read config at ", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAMLOptions(content)
	default:
		return ParseOptions(content)
	}
}

func ParseOptions(content []byte) (Options, error) {
	var options Options
	decoder := json.NewDecoder(json.NewCommentFilter(bytes.NewReader(content)))
	decoder.DisallowUnknownFields()
	err := decoder.Decode(&options)
	if err != nil {
		return Options{}, E.Cause(err, "decode config")
	}
	return options, nil
}

// ParseYAMLOptions converts YAML to JSON first so both formats share the
// same field names and validation.
func ParseYAMLOptions(content []byte) (Options, error) {
	var document any
	err := yaml.Unmarshal(content, &document)
	if err != nil {
		return Options{}, E.Cause(err, "decode yaml config")
	}
	if document == nil {
		return Options{}, nil
	}
	jsonContent, err := json.Marshal(document)
	if err != nil {
		return Options{}, E.Cause(err, "convert yaml config")
	}
	return ParseOptions(jsonContent)
}

// ReadIgnoreRules loads a JSON or YAML list of ignore rules.
func ReadIgnoreRules(path string) ([]IgnoreRule, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var document any
		err = yaml.Unmarshal(content, &document)
		if err != nil {
			return nil, E.Cause(err, "decode yaml rules")
		}
		content, err = json.Marshal(document)
		if err != nil {
			return nil, err
		}
	}
	var rules []IgnoreRule
	decoder := json.NewDecoder(json.NewCommentFilter(bytes.NewReader(content)))
	decoder.DisallowUnknownFields()
	err = decoder.Decode(&rules)
	if err != nil {
		return nil, E.Cause(err, "decode rules")
	}
	for i, rule := range rules {
		if !rule.IsValid() {
			return nil, E.New("rules[", i, "]: missing conditions")
		}
	}
	return rules, nil
}
