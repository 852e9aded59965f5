package permission

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/billm/baaaht/awareness/internal/config"
	"github.com/billm/baaaht/awareness/pkg/types"
)

// LoadRules reads permission rules from a YAML file. Kinds the file leaves
// out keep their default rule.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "rules file path cannot be empty")
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			"rules file must have .yaml or .yml extension, got: "+ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "rules file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read rules file: "+path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, types.NewError(types.ErrCodeInvalid, "rules file is empty: "+path)
	}

	expanded := config.InterpolateEnvVars(string(data))

	rules := DefaultRules()
	if err := yaml.Unmarshal([]byte(expanded), rules); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return nil, types.WrapError(types.ErrCodeInvalid, "YAML type error in "+path, typeErr)
		}
		return nil, types.WrapError(types.ErrCodeInvalid, "invalid YAML syntax in "+path, err)
	}

	if err := rules.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "rules validation failed for "+path, err)
	}
	return rules, nil
}

// loadRulesOrDefault loads path, falling back to DefaultRules when no path
// is configured or the file does not exist.
func loadRulesOrDefault(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	rules, err := LoadRules(path)
	if err != nil {
		if types.IsErrCode(err, types.ErrCodeNotFound) {
			return DefaultRules(), nil
		}
		return nil, err
	}
	return rules, nil
}
