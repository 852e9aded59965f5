package permission

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/billm/baaaht/awareness/internal/config"
	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/gateway"
	"github.com/billm/baaaht/awareness/pkg/types"
)

var _ gateway.PermissionGuard = (*Guard)(nil)

// Guard decides permission checks from a rule set and an enforcement mode
type Guard struct {
	mu        sync.RWMutex
	rules     *Rules
	mode      Mode
	rulesPath string
	selfUID   uint32
	audit     *AuditLogger
	logger    *logger.Logger
	closed    bool

	checks  atomic.Int64
	denials atomic.Int64
}

// New creates a guard from the permission configuration. A missing rules
// file falls back to DefaultRules.
func New(cfg config.PermissionConfig, log *logger.Logger) (*Guard, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	rules, err := loadRulesOrDefault(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	audit, err := NewAuditLogger(log, cfg.AuditPath)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create audit logger", err)
	}

	g := &Guard{
		rules:     rules,
		mode:      mode,
		rulesPath: cfg.RulesPath,
		selfUID:   uint32(os.Getuid()),
		audit:     audit,
		logger:    log.With("component", "permission_guard"),
	}

	g.logger.Info("Permission guard initialized", "mode", string(mode), "rules_path", cfg.RulesPath)
	return g, nil
}

// NewDefault creates a guard with the default permission configuration
func NewDefault(log *logger.Logger) (*Guard, error) {
	return New(config.DefaultPermissionConfig(), log)
}

// Check implements gateway.PermissionGuard
func (g *Guard) Check(p types.Principal, kind types.Permission) error {
	g.checks.Add(1)

	g.mu.RLock()
	mode, rules, selfUID := g.mode, g.rules, g.selfUID
	g.mu.RUnlock()

	if mode == ModeDisabled || rules.Allows(p, kind, selfUID) {
		return nil
	}

	g.denials.Add(1)
	if err := g.audit.LogDecision(p, kind, mode); err != nil {
		g.logger.Warn("Failed to audit permission decision", "error", err)
	}

	if mode == ModePermissive {
		g.logger.Warn("Permission would be denied", "uid", p.UID, "pid", p.PID, "permission", string(kind))
		return nil
	}
	return types.NewError(types.ErrCodeUnauthorized,
		fmt.Sprintf("uid %d pid %d does not hold the %s permission", p.UID, p.PID, kind))
}

// SetRules replaces the rule set
func (g *Guard) SetRules(rules *Rules) error {
	if err := rules.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.rules = rules
	g.mu.Unlock()

	g.logger.Info("Permission rules updated")
	return nil
}

// Rules returns the active rule set
func (g *Guard) Rules() *Rules {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rules
}

// Mode returns the enforcement mode
func (g *Guard) Mode() Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// ApplyConfig reloads the rules file and mode from cfg. It has the shape of
// a config reload callback.
func (g *Guard) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mode, err := ParseMode(cfg.Permission.Mode)
	if err != nil {
		return err
	}
	rules, err := loadRulesOrDefault(cfg.Permission.RulesPath)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.mode = mode
	g.rules = rules
	g.rulesPath = cfg.Permission.RulesPath
	g.mu.Unlock()

	g.logger.Info("Permission configuration reloaded", "mode", string(mode), "rules_path", cfg.Permission.RulesPath)
	return nil
}

// Stats returns the number of checks and denials so far
func (g *Guard) Stats() (checks, denials int64) {
	return g.checks.Load(), g.denials.Load()
}

// Close closes the audit trail
func (g *Guard) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	return g.audit.Close()
}

// String returns a string representation of the guard
func (g *Guard) String() string {
	checks, denials := g.Stats()
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fmt.Sprintf("Guard{mode: %s, rules_path: %s, checks: %d, denials: %d}",
		g.mode, g.rulesPath, checks, denials)
}
