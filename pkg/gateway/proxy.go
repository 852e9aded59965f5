package gateway

import (
	"context"
	"fmt"

	"github.com/billm/baaaht/awareness/pkg/types"
)

// Session operations share one order of checks: permissions, then the shape
// of the arguments, then ownership of the client identity. Only a call that
// passes all three is forwarded, unchanged, to the state manager.

// TerminateSession ends a publish or subscribe session
func (g *Gateway) TerminateSession(ctx context.Context, clientID types.ClientID, sessionID types.SessionID) error {
	caller, err := g.authorize(ctx)
	if err != nil {
		return err
	}
	if err := g.checkOwnership(caller, clientID); err != nil {
		return err
	}

	g.logger.Debug("TerminateSession", "client_id", clientID, "session_id", sessionID)
	g.state.TerminateSession(clientID, sessionID)
	return nil
}

// Publish starts a publish session
func (g *Gateway) Publish(ctx context.Context, clientID types.ClientID, cfg *types.PublishConfig, callback types.SessionCallback) error {
	caller, err := g.authorize(ctx)
	if err != nil {
		return err
	}
	if err := validatePublish(cfg); err != nil {
		return err
	}
	if callback == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "callback cannot be nil")
	}
	if err := g.checkOwnership(caller, clientID); err != nil {
		return err
	}

	g.logger.Debug("Publish", "client_id", clientID, "service", cfg.ServiceName)
	g.state.Publish(clientID, *cfg, callback)
	return nil
}

// UpdatePublish replaces the configuration of a publish session
func (g *Gateway) UpdatePublish(ctx context.Context, clientID types.ClientID, sessionID types.SessionID, cfg *types.PublishConfig) error {
	caller, err := g.authorize(ctx)
	if err != nil {
		return err
	}
	if err := validatePublish(cfg); err != nil {
		return err
	}
	if err := g.checkOwnership(caller, clientID); err != nil {
		return err
	}

	g.logger.Debug("UpdatePublish", "client_id", clientID, "session_id", sessionID, "service", cfg.ServiceName)
	g.state.UpdatePublish(clientID, sessionID, *cfg)
	return nil
}

// Subscribe starts a subscribe session
func (g *Gateway) Subscribe(ctx context.Context, clientID types.ClientID, cfg *types.SubscribeConfig, callback types.SessionCallback) error {
	caller, err := g.authorize(ctx)
	if err != nil {
		return err
	}
	if err := validateSubscribe(cfg); err != nil {
		return err
	}
	if callback == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "callback cannot be nil")
	}
	if err := g.checkOwnership(caller, clientID); err != nil {
		return err
	}

	g.logger.Debug("Subscribe", "client_id", clientID, "service", cfg.ServiceName)
	g.state.Subscribe(clientID, *cfg, callback)
	return nil
}

// UpdateSubscribe replaces the configuration of a subscribe session
func (g *Gateway) UpdateSubscribe(ctx context.Context, clientID types.ClientID, sessionID types.SessionID, cfg *types.SubscribeConfig) error {
	caller, err := g.authorize(ctx)
	if err != nil {
		return err
	}
	if err := validateSubscribe(cfg); err != nil {
		return err
	}
	if err := g.checkOwnership(caller, clientID); err != nil {
		return err
	}

	g.logger.Debug("UpdateSubscribe", "client_id", clientID, "session_id", sessionID, "service", cfg.ServiceName)
	g.state.UpdateSubscribe(clientID, sessionID, *cfg)
	return nil
}

// SendMessage sends the first messageLength bytes of message to a peer
// discovered by the session. A zero length accepts a nil message.
func (g *Gateway) SendMessage(ctx context.Context, clientID types.ClientID, sessionID types.SessionID,
	peerID types.PeerID, message []byte, messageLength, messageID int) error {
	caller, err := g.authorize(ctx)
	if err != nil {
		return err
	}
	if err := validateMessage(message, messageLength); err != nil {
		return err
	}
	if err := g.checkOwnership(caller, clientID); err != nil {
		return err
	}

	g.logger.Debug("SendMessage", "client_id", clientID, "session_id", sessionID,
		"peer_id", peerID, "length", messageLength, "message_id", messageID)
	g.state.SendMessage(clientID, sessionID, peerID, message, messageLength, messageID)
	return nil
}

func validatePublish(cfg *types.PublishConfig) error {
	if cfg == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "publish config cannot be nil")
	}
	return cfg.Validate()
}

func validateSubscribe(cfg *types.SubscribeConfig) error {
	if cfg == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "subscribe config cannot be nil")
	}
	return cfg.Validate()
}

func validateMessage(message []byte, messageLength int) error {
	if messageLength < 0 {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("message length cannot be negative: %d", messageLength))
	}
	if messageLength == 0 {
		return nil
	}
	if message == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "message cannot be nil with a non-zero length")
	}
	if len(message) < messageLength {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("message length %d exceeds buffer size %d", messageLength, len(message)))
	}
	return nil
}
