// Package gateway implements the connection lifecycle and authorization
// layer of the awareness service.
//
// The Gateway is the only entry point remote peers use. It:
//
//   - Issues client identities from a process-wide, strictly increasing
//     counter (Allocator); identities are never reused
//   - Binds every identity to the principal that connected it (Registry)
//   - Links a liveness watcher to the connecting peer so a peer that dies
//     without disconnecting is torn down as if it had
//   - Validates permissions, input shape and identity ownership before
//     forwarding any operation to the StateManager
//
// Teardown of a client happens at most once. Explicit Disconnect and the
// asynchronous peer-death notification both go through Registry.Remove, which
// atomically removes and returns the record; only the path that receives the
// record notifies the StateManager.
//
// Example usage:
//
//	gw, err := gateway.New(gateway.Options{
//	    StateManager: manager,
//	    Guard:        guard,
//	    Logger:       log,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx = gateway.WithCaller(ctx, principal)
//	clientID, err := gw.Connect(ctx, peer, callback, nil)
package gateway
