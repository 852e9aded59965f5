package types

import (
	"fmt"
	"strconv"
)

// ClientID is the opaque handle issued to an accepted connection.
type ClientID int64

// NoClient is returned by connect when no identity was issued.
const NoClient ClientID = 0

// IsValid reports whether the identity can refer to a connection.
func (c ClientID) IsValid() bool {
	return c > NoClient
}

// String returns the decimal form of the identity
func (c ClientID) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// SessionID identifies a publish or subscribe session within one client.
type SessionID int32

// PeerID identifies a discovered remote session.
type PeerID int32

// Principal is the resolved identity of a caller process.
type Principal struct {
	UID uint32 `json:"uid" cbor:"uid"`
	GID uint32 `json:"gid" cbor:"gid"`
	PID int32  `json:"pid" cbor:"pid"`
}

// SameOwner reports whether two principals belong to the same user.
// Processes are not compared: a client identity may be used by any process
// of the owning user.
func (p Principal) SameOwner(other Principal) bool {
	return p.UID == other.UID
}

// String returns a string representation of the principal
func (p Principal) String() string {
	return fmt.Sprintf("uid=%d,gid=%d,pid=%d", p.UID, p.GID, p.PID)
}

// Permission names a class of operations guarded separately.
type Permission string

const (
	// PermissionAccess guards read access to the service.
	PermissionAccess Permission = "access"
	// PermissionChange guards every mutating call.
	PermissionChange Permission = "change"
	// PermissionDump guards the diagnostic dump.
	PermissionDump Permission = "dump"
)

// Failure and termination reasons delivered through callbacks.
const (
	ReasonInvalidArgs    = 1000
	ReasonNoResources    = 1001
	ReasonNoMatchSession = 1002
	ReasonTxFail         = 1003
	ReasonOther          = 1004

	TerminateReasonDone = 0
	TerminateReasonFail = 1
)

const (
	clusterIDMax        = 0xFFFF
	masterPreferenceMax = 255

	// MaxServiceNameLength bounds the service name of a session.
	MaxServiceNameLength = 255
	// MaxServiceSpecificInfoLength bounds the opaque service info blob.
	MaxServiceSpecificInfoLength = 255
	// MaxMatchFilterLength bounds the match filter blob.
	MaxMatchFilterLength = 255
)

// ConfigRequest carries the cluster configuration a client asks for when it
// connects.
type ConfigRequest struct {
	Support5gBand    bool `json:"support_5g_band" cbor:"support_5g_band"`
	MasterPreference int  `json:"master_preference" cbor:"master_preference"`
	ClusterLow       int  `json:"cluster_low" cbor:"cluster_low"`
	ClusterHigh      int  `json:"cluster_high" cbor:"cluster_high"`
}

// DefaultConfigRequest returns the configuration used when a client connects
// without one.
func DefaultConfigRequest() ConfigRequest {
	return ConfigRequest{
		Support5gBand:    false,
		MasterPreference: 0,
		ClusterLow:       0,
		ClusterHigh:      clusterIDMax,
	}
}

// Validate checks the structural validity of the configuration
func (c ConfigRequest) Validate() error {
	if c.MasterPreference < 0 || c.MasterPreference > masterPreferenceMax {
		return NewError(ErrCodeInvalidConfiguration,
			fmt.Sprintf("master preference %d out of range [0, %d]", c.MasterPreference, masterPreferenceMax))
	}
	if c.ClusterLow < 0 || c.ClusterLow > clusterIDMax {
		return NewError(ErrCodeInvalidConfiguration,
			fmt.Sprintf("cluster low %d out of range [0, %d]", c.ClusterLow, clusterIDMax))
	}
	if c.ClusterHigh < 0 || c.ClusterHigh > clusterIDMax {
		return NewError(ErrCodeInvalidConfiguration,
			fmt.Sprintf("cluster high %d out of range [0, %d]", c.ClusterHigh, clusterIDMax))
	}
	if c.ClusterLow > c.ClusterHigh {
		return NewError(ErrCodeInvalidConfiguration,
			fmt.Sprintf("cluster low %d greater than cluster high %d", c.ClusterLow, c.ClusterHigh))
	}
	return nil
}

// String returns a string representation of the configuration
func (c ConfigRequest) String() string {
	return fmt.Sprintf("ConfigRequest{Support5gBand: %t, MasterPreference: %d, ClusterLow: %d, ClusterHigh: %d}",
		c.Support5gBand, c.MasterPreference, c.ClusterLow, c.ClusterHigh)
}

// PublishType selects how a service is advertised.
type PublishType int

const (
	PublishTypeUnsolicited PublishType = 0
	PublishTypeSolicited   PublishType = 1
)

// SubscribeType selects how a service is looked for.
type SubscribeType int

const (
	SubscribeTypePassive SubscribeType = 0
	SubscribeTypeActive  SubscribeType = 1
)

// MatchStyle controls how many matches a subscriber is told about.
type MatchStyle int

const (
	MatchStyleAll       MatchStyle = 0
	MatchStyleFirstOnly MatchStyle = 1
)

// PublishConfig describes a publish session.
type PublishConfig struct {
	ServiceName                 string      `json:"service_name" cbor:"service_name"`
	ServiceSpecificInfo         []byte      `json:"service_specific_info,omitempty" cbor:"service_specific_info,omitempty"`
	MatchFilter                 []byte      `json:"match_filter,omitempty" cbor:"match_filter,omitempty"`
	PublishType                 PublishType `json:"publish_type" cbor:"publish_type"`
	PublishCount                int         `json:"publish_count" cbor:"publish_count"`
	TTLSec                      int         `json:"ttl_sec" cbor:"ttl_sec"`
	EnableTerminateNotification bool        `json:"enable_terminate_notification" cbor:"enable_terminate_notification"`
}

// Validate checks the structural validity of the publish configuration
func (c *PublishConfig) Validate() error {
	if err := validateSessionFields(c.ServiceName, c.ServiceSpecificInfo, c.MatchFilter); err != nil {
		return err
	}
	if c.PublishType != PublishTypeUnsolicited && c.PublishType != PublishTypeSolicited {
		return NewError(ErrCodeInvalidArgument, fmt.Sprintf("invalid publish type: %d", c.PublishType))
	}
	if c.PublishCount < 0 {
		return NewError(ErrCodeInvalidArgument, "publish count cannot be negative")
	}
	if c.TTLSec < 0 {
		return NewError(ErrCodeInvalidArgument, "ttl cannot be negative")
	}
	return nil
}

// SubscribeConfig describes a subscribe session.
type SubscribeConfig struct {
	ServiceName                 string        `json:"service_name" cbor:"service_name"`
	ServiceSpecificInfo         []byte        `json:"service_specific_info,omitempty" cbor:"service_specific_info,omitempty"`
	MatchFilter                 []byte        `json:"match_filter,omitempty" cbor:"match_filter,omitempty"`
	SubscribeType               SubscribeType `json:"subscribe_type" cbor:"subscribe_type"`
	SubscribeCount              int           `json:"subscribe_count" cbor:"subscribe_count"`
	TTLSec                      int           `json:"ttl_sec" cbor:"ttl_sec"`
	MatchStyle                  MatchStyle    `json:"match_style" cbor:"match_style"`
	EnableTerminateNotification bool          `json:"enable_terminate_notification" cbor:"enable_terminate_notification"`
}

// Validate checks the structural validity of the subscribe configuration
func (c *SubscribeConfig) Validate() error {
	if err := validateSessionFields(c.ServiceName, c.ServiceSpecificInfo, c.MatchFilter); err != nil {
		return err
	}
	if c.SubscribeType != SubscribeTypePassive && c.SubscribeType != SubscribeTypeActive {
		return NewError(ErrCodeInvalidArgument, fmt.Sprintf("invalid subscribe type: %d", c.SubscribeType))
	}
	if c.MatchStyle != MatchStyleAll && c.MatchStyle != MatchStyleFirstOnly {
		return NewError(ErrCodeInvalidArgument, fmt.Sprintf("invalid match style: %d", c.MatchStyle))
	}
	if c.SubscribeCount < 0 {
		return NewError(ErrCodeInvalidArgument, "subscribe count cannot be negative")
	}
	if c.TTLSec < 0 {
		return NewError(ErrCodeInvalidArgument, "ttl cannot be negative")
	}
	return nil
}

func validateSessionFields(serviceName string, info, filter []byte) error {
	if serviceName == "" {
		return NewError(ErrCodeInvalidArgument, "service name cannot be empty")
	}
	if len(serviceName) > MaxServiceNameLength {
		return NewError(ErrCodeInvalidArgument,
			fmt.Sprintf("service name length %d exceeds %d", len(serviceName), MaxServiceNameLength))
	}
	if len(info) > MaxServiceSpecificInfoLength {
		return NewError(ErrCodeInvalidArgument,
			fmt.Sprintf("service specific info length %d exceeds %d", len(info), MaxServiceSpecificInfoLength))
	}
	if len(filter) > MaxMatchFilterLength {
		return NewError(ErrCodeInvalidArgument,
			fmt.Sprintf("match filter length %d exceeds %d", len(filter), MaxMatchFilterLength))
	}
	return nil
}

// EventCallback receives client-level results. Implementations must not
// block for long: they are invoked from the state manager's dispatch worker.
type EventCallback interface {
	OnConnectSuccess(clientID ClientID)
	OnConnectFail(reason int)
}

// SessionCallback receives results for one publish or subscribe session.
type SessionCallback interface {
	OnSessionStarted(sessionID SessionID)
	OnSessionConfigSuccess()
	OnSessionConfigFail(reason int)
	OnSessionTerminated(reason int)
	OnMatch(peerID PeerID, serviceSpecificInfo, matchFilter []byte)
	OnMessageSendSuccess(messageID int)
	OnMessageSendFail(messageID, reason int)
	OnMessageReceived(peerID PeerID, message []byte)
}
