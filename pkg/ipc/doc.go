// Package ipc serves the connection gateway on a Unix domain socket.
//
// Connections are persistent. Each one is a peer: the gateway links a death
// watcher to it on connect, and the watcher fires when the connection ends,
// whether the client closed it, its process died or the server shut down.
//
// Frames are CBOR values written back to back; CBOR items are
// self-delimiting, so there is no length prefix. A client writes Request
// frames. The server writes Response frames, matched to requests by Seq,
// and Event frames, which carry the asynchronous callbacks of the state
// manager and are matched to the originating connect, publish or subscribe
// request by Token.
//
// The caller principal is read once per connection with SO_PEERCRED and
// attached to the context of every request on it.
//
// Example usage:
//
//	srv, err := ipc.NewServer(cfg.IPC, gw, log)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Listen(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
package ipc
