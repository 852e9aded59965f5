package permission

import (
	"fmt"

	"github.com/billm/baaaht/awareness/pkg/types"
)

// Mode defines how permission decisions are enforced
type Mode string

const (
	// ModeStrict rejects callers that lack a permission
	ModeStrict Mode = "strict"
	// ModePermissive audits denials but lets the call through
	ModePermissive Mode = "permissive"
	// ModeDisabled grants everything without auditing
	ModeDisabled Mode = "disabled"
)

// ParseMode converts a configured mode name to a Mode
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStrict, ModePermissive, ModeDisabled:
		return Mode(s), nil
	case "":
		return ModeStrict, nil
	default:
		return "", types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid permission mode: %s (must be strict, permissive or disabled)", s))
	}
}

// Rule lists who holds one permission
type Rule struct {
	AllowAll  bool     `json:"allow_all" yaml:"allow_all"`
	AllowUIDs []uint32 `json:"allow_uids,omitempty" yaml:"allow_uids,omitempty"`
	AllowGIDs []uint32 `json:"allow_gids,omitempty" yaml:"allow_gids,omitempty"`
}

func (r Rule) allows(p types.Principal) bool {
	if r.AllowAll {
		return true
	}
	for _, uid := range r.AllowUIDs {
		if uid == p.UID {
			return true
		}
	}
	for _, gid := range r.AllowGIDs {
		if gid == p.GID {
			return true
		}
	}
	return false
}

// Rules holds one rule per permission kind. Root and the daemon's own user
// always hold the dump permission.
type Rules struct {
	Access Rule `json:"access" yaml:"access"`
	Change Rule `json:"change" yaml:"change"`
	Dump   Rule `json:"dump" yaml:"dump"`
}

// DefaultRules lets every local user use the service and keeps the dump to
// root and the daemon's own user.
func DefaultRules() *Rules {
	return &Rules{
		Access: Rule{AllowAll: true},
		Change: Rule{AllowAll: true},
		Dump:   Rule{},
	}
}

// Validate checks the rules
func (r *Rules) Validate() error {
	if r == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "rules cannot be nil")
	}
	for kind, rule := range map[types.Permission]Rule{
		types.PermissionAccess: r.Access,
		types.PermissionChange: r.Change,
		types.PermissionDump:   r.Dump,
	} {
		if rule.AllowAll && (len(rule.AllowUIDs) > 0 || len(rule.AllowGIDs) > 0) {
			return types.NewError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("%s rule: allow_all cannot be combined with uid or gid lists", kind))
		}
	}
	return nil
}

// Allows reports whether p holds kind. selfUID is the user the daemon runs as.
func (r *Rules) Allows(p types.Principal, kind types.Permission, selfUID uint32) bool {
	switch kind {
	case types.PermissionAccess:
		return r.Access.allows(p)
	case types.PermissionChange:
		return r.Change.allows(p)
	case types.PermissionDump:
		if p.UID == 0 || p.UID == selfUID {
			return true
		}
		return r.Dump.allows(p)
	default:
		return false
	}
}

// String returns a string representation of the rules
func (r *Rules) String() string {
	return fmt.Sprintf("Rules{Access: %+v, Change: %+v, Dump: %+v}", r.Access, r.Change, r.Dump)
}
