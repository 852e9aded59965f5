package gateway

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/types"
)

// StateManager executes the protocol behind the gateway. Every call is fire
// and forget: results reach the client through the callbacks handed over on
// Connect, Publish and Subscribe.
type StateManager interface {
	Connect(clientID types.ClientID, owner types.Principal, callback types.EventCallback, cfg types.ConfigRequest)
	Disconnect(clientID types.ClientID)
	TerminateSession(clientID types.ClientID, sessionID types.SessionID)
	Publish(clientID types.ClientID, cfg types.PublishConfig, callback types.SessionCallback)
	UpdatePublish(clientID types.ClientID, sessionID types.SessionID, cfg types.PublishConfig)
	Subscribe(clientID types.ClientID, cfg types.SubscribeConfig, callback types.SessionCallback)
	UpdateSubscribe(clientID types.ClientID, sessionID types.SessionID, cfg types.SubscribeConfig)
	SendMessage(clientID types.ClientID, sessionID types.SessionID, peerID types.PeerID, message []byte, messageLength, messageID int)
	Dump(w io.Writer)
}

// PermissionGuard decides whether a principal holds a permission. A nil
// return grants it.
type PermissionGuard interface {
	Check(p types.Principal, kind types.Permission) error
}

type allowAll struct{}

func (allowAll) Check(types.Principal, types.Permission) error { return nil }

// AllowAll is a PermissionGuard that grants everything.
var AllowAll PermissionGuard = allowAll{}

// DefaultServiceName is used in dump headers when Options leaves it empty.
const DefaultServiceName = "awarenessd"

// Options configures a Gateway
type Options struct {
	StateManager StateManager
	Guard        PermissionGuard
	Logger       *logger.Logger
	ServiceName  string
}

// teardownReason tells the two teardown paths apart in logs and stats.
type teardownReason string

const (
	teardownDisconnect teardownReason = "disconnect"
	teardownPeerDied   teardownReason = "peer_died"
)

// Stats holds gateway counters
type Stats struct {
	ActiveClients int            `json:"active_clients"`
	NextClientID  types.ClientID `json:"next_client_id"`
	Connects      int64          `json:"connects"`
	ConnectFails  int64          `json:"connect_fails"`
	Disconnects   int64          `json:"disconnects"`
	PeerDeaths    int64          `json:"peer_deaths"`
}

// Gateway is the entry point for every client call. It issues client
// identities, binds them to the connecting principal and tears them down
// exactly once, whether the client disconnects or its process dies.
type Gateway struct {
	allocator   *Allocator
	registry    *Registry
	state       StateManager
	guard       PermissionGuard
	logger      *logger.Logger
	serviceName string

	connects     atomic.Int64
	connectFails atomic.Int64
	disconnects  atomic.Int64
	peerDeaths   atomic.Int64
}

// New creates a new gateway
func New(opts Options) (*Gateway, error) {
	if opts.StateManager == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "state manager is required")
	}

	log := opts.Logger
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	guard := opts.Guard
	if guard == nil {
		guard = AllowAll
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	return &Gateway{
		allocator:   NewAllocator(),
		registry:    NewRegistry(),
		state:       opts.StateManager,
		guard:       guard,
		logger:      log.With("component", "gateway"),
		serviceName: serviceName,
	}, nil
}

func (g *Gateway) checkPermissions(p types.Principal, kinds ...types.Permission) error {
	for _, kind := range kinds {
		if err := g.guard.Check(p, kind); err != nil {
			if types.IsErrCode(err, types.ErrCodeUnauthorized) {
				return err
			}
			return types.WrapError(types.ErrCodeUnauthorized,
				fmt.Sprintf("permission %s denied for %s", kind, p), err)
		}
	}
	return nil
}

// authorize resolves the caller and checks the access and change permissions
func (g *Gateway) authorize(ctx context.Context) (types.Principal, error) {
	caller, err := resolveCaller(ctx)
	if err != nil {
		return types.Principal{}, err
	}
	if err := g.checkPermissions(caller, types.PermissionAccess, types.PermissionChange); err != nil {
		return types.Principal{}, err
	}
	return caller, nil
}

// checkOwnership fails with Unauthorized unless caller owns clientID. An
// unknown identity is reported the same way.
func (g *Gateway) checkOwnership(caller types.Principal, clientID types.ClientID) error {
	owner, ok := g.registry.Owner(clientID)
	if !ok {
		return types.NewError(types.ErrCodeUnauthorized,
			fmt.Sprintf("no client %d for caller %s", clientID, caller))
	}
	if !owner.SameOwner(caller) {
		return types.NewError(types.ErrCodeUnauthorized,
			fmt.Sprintf("client %d is not owned by caller %s", clientID, caller))
	}
	return nil
}

// Connect registers a new client. The returned identity is NoClient when the
// peer could not be watched; the callback is told through OnConnectFail in
// that case and the error is nil.
func (g *Gateway) Connect(ctx context.Context, peer PeerHandle, callback types.EventCallback, cfg *types.ConfigRequest) (types.ClientID, error) {
	caller, err := g.authorize(ctx)
	if err != nil {
		return types.NoClient, err
	}
	if callback == nil {
		return types.NoClient, types.NewError(types.ErrCodeInvalidArgument, "callback cannot be nil")
	}
	if peer == nil {
		return types.NoClient, types.NewError(types.ErrCodeInvalidArgument, "peer handle cannot be nil")
	}

	request := types.DefaultConfigRequest()
	if cfg != nil {
		request = *cfg
	}
	if err := request.Validate(); err != nil {
		return types.NoClient, types.WrapError(types.ErrCodeInvalidConfiguration, "invalid connect configuration", err)
	}

	clientID := g.allocator.Next()
	g.logger.Debug("Connect", "client_id", clientID, "caller", caller.String(), "config", request.String())

	watcher := newDeathWatcher(g, clientID, peer)
	if err := peer.LinkToDeath(watcher); err != nil {
		g.logger.Warn("Failed to watch peer, rejecting connect",
			"client_id", clientID, "peer", peer.String(), "error", err)
		watcher.abandon()
		g.connectFails.Add(1)
		callback.OnConnectFail(types.ReasonOther)
		return types.NoClient, nil
	}

	rec := &ClientRecord{
		ID:          clientID,
		Owner:       caller,
		Peer:        peer,
		ConnectedAt: time.Now(),
		watcher:     watcher,
	}
	if err := g.registry.Insert(rec); err != nil {
		g.logger.Error("Failed to register client", "client_id", clientID, "error", err)
		watcher.detach()
		watcher.abandon()
		g.connectFails.Add(1)
		callback.OnConnectFail(types.ReasonOther)
		return types.NoClient, nil
	}

	// Released even if the state manager panics, or a death would block.
	defer watcher.arm()
	g.state.Connect(clientID, caller, callback, request)
	g.connects.Add(1)

	g.logger.Info("Client connected", "client_id", clientID, "owner", caller.String())
	return clientID, nil
}

// Disconnect tears down a client on request of its owner
func (g *Gateway) Disconnect(ctx context.Context, clientID types.ClientID, peer PeerHandle) error {
	caller, err := g.authorize(ctx)
	if err != nil {
		return err
	}
	if err := g.checkOwnership(caller, clientID); err != nil {
		return err
	}
	if peer == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "peer handle cannot be nil")
	}

	g.logger.Debug("Disconnect", "client_id", clientID, "caller", caller.String())

	if rec, ok := g.registry.lookup(clientID); ok {
		if rec.Peer != peer {
			g.logger.Debug("Disconnect peer differs from connect peer",
				"client_id", clientID, "peer", peer.String(), "connect_peer", rec.Peer.String())
		}
		rec.watcher.detach()
	}

	g.teardown(clientID, teardownDisconnect)
	return nil
}

// teardown removes clientID and notifies the state manager. Only the caller
// that removes the record notifies, so a disconnect racing a peer death
// reaches the state manager once.
func (g *Gateway) teardown(clientID types.ClientID, reason teardownReason) {
	rec, ok := g.registry.Remove(clientID)
	if !ok {
		g.logger.Debug("Client already torn down", "client_id", clientID, "reason", string(reason))
		return
	}

	// The record may be visible before Connect forwarded it; wait for that.
	<-rec.watcher.armed
	g.state.Disconnect(clientID)

	switch reason {
	case teardownPeerDied:
		g.peerDeaths.Add(1)
	default:
		g.disconnects.Add(1)
	}
	g.logger.Info("Client disconnected", "client_id", clientID, "reason", string(reason))
}

// Dump writes the gateway state followed by the state manager dump. Callers
// without the dump permission get a single denial line.
func (g *Gateway) Dump(ctx context.Context, w io.Writer) error {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return types.NewError(types.ErrCodeUnauthorized, "caller identity unavailable")
	}
	if err := g.checkPermissions(caller, types.PermissionDump); err != nil {
		fmt.Fprintf(w, "Permission Denial: can't dump %s from pid=%d, uid=%d\n",
			g.serviceName, caller.PID, caller.UID)
		return err
	}

	fmt.Fprintf(w, "%s:\n", g.serviceName)
	fmt.Fprintf(w, "  nextClientId: %d\n", g.allocator.Peek())
	clients := g.registry.Snapshot()
	fmt.Fprintf(w, "  clients: %d\n", len(clients))
	for _, c := range clients {
		peer := "<nil>"
		if c.Peer != nil {
			peer = c.Peer.String()
		}
		fmt.Fprintf(w, "    client %d: owner=%s peer=%s since=%s\n",
			c.ID, c.Owner, peer, c.ConnectedAt.Format(time.RFC3339))
	}
	g.state.Dump(w)
	return nil
}

// Clients returns a point-in-time snapshot of the live clients
func (g *Gateway) Clients() []ClientRecord {
	return g.registry.Snapshot()
}

// Stats returns gateway counters
func (g *Gateway) Stats() Stats {
	return Stats{
		ActiveClients: g.registry.Len(),
		NextClientID:  g.allocator.Peek(),
		Connects:      g.connects.Load(),
		ConnectFails:  g.connectFails.Load(),
		Disconnects:   g.disconnects.Load(),
		PeerDeaths:    g.peerDeaths.Load(),
	}
}

// String returns a string representation of the gateway
func (g *Gateway) String() string {
	s := g.Stats()
	return fmt.Sprintf("Gateway{service: %s, active_clients: %d, next_client_id: %d}",
		g.serviceName, s.ActiveClients, s.NextClientID)
}
