package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/types"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// AuditEventTypeDenied is logged when a call is rejected
	AuditEventTypeDenied AuditEventType = "permission_denied"
	// AuditEventTypeWouldDeny is logged in permissive mode for a call that
	// strict mode would have rejected
	AuditEventTypeWouldDeny AuditEventType = "permission_would_deny"
)

// AuditEvent is one permission decision written to the audit trail
type AuditEvent struct {
	Timestamp  time.Time        `json:"timestamp"`
	Type       AuditEventType   `json:"type"`
	Severity   string           `json:"severity"`
	UID        uint32           `json:"uid"`
	GID        uint32           `json:"gid"`
	PID        int32            `json:"pid"`
	Permission types.Permission `json:"permission"`
	Mode       Mode             `json:"mode"`
	Decision   string           `json:"decision"`
	Reason     string           `json:"reason,omitempty"`
}

// AuditLogger writes permission decisions as JSON lines
type AuditLogger struct {
	logger    *logger.Logger
	mu        sync.Mutex
	auditFile *os.File
	auditPath string
	closed    bool
}

// NewAuditLogger creates an audit logger. An empty path only logs through
// the structured logger.
func NewAuditLogger(log *logger.Logger, auditPath string) (*AuditLogger, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, fmt.Errorf("failed to create default logger: %w", err)
		}
	}

	al := &AuditLogger{
		logger:    log.With("component", "audit_logger"),
		auditPath: auditPath,
	}

	if auditPath != "" {
		if err := os.MkdirAll(filepath.Dir(auditPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
		file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		al.auditFile = file
	}

	return al, nil
}

// LogEvent records an audit event
func (al *AuditLogger) LogEvent(event AuditEvent) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.closed {
		return fmt.Errorf("audit logger is closed")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	al.logger.Info("audit_event",
		"type", string(event.Type),
		"severity", event.Severity,
		"uid", event.UID,
		"pid", event.PID,
		"permission", string(event.Permission),
		"decision", event.Decision)

	if al.auditFile != nil {
		if _, err := al.auditFile.Write(append(line, '\n')); err != nil {
			al.logger.Error("Failed to write audit event to file", "error", err)
			return fmt.Errorf("failed to write audit event to file: %w", err)
		}
	}
	return nil
}

// LogDecision records a negative decision for p
func (al *AuditLogger) LogDecision(p types.Principal, kind types.Permission, mode Mode) error {
	event := AuditEvent{
		Type:       AuditEventTypeDenied,
		Severity:   "warning",
		UID:        p.UID,
		GID:        p.GID,
		PID:        p.PID,
		Permission: kind,
		Mode:       mode,
		Decision:   "denied",
		Reason:     fmt.Sprintf("uid %d does not hold %s", p.UID, kind),
	}
	if mode == ModePermissive {
		event.Type = AuditEventTypeWouldDeny
		event.Severity = "info"
		event.Decision = "allowed"
	}
	return al.LogEvent(event)
}

// Path returns the audit file path
func (al *AuditLogger) Path() string {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.auditPath
}

// Close closes the audit file
func (al *AuditLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.closed {
		return nil
	}
	al.closed = true

	if al.auditFile != nil {
		if err := al.auditFile.Close(); err != nil {
			return fmt.Errorf("failed to close audit file: %w", err)
		}
		al.auditFile = nil
	}
	return nil
}
