// Package discovery is the in-process state manager behind the connection
// gateway. It keeps the clients the gateway admitted, their publish and
// subscribe sessions, matches publishers to subscribers by service name and
// relays messages between matched sessions.
//
// Every result reaches clients through their callbacks, which run on one
// dispatch goroutine in the order the manager produced them. No method of
// Manager blocks on a callback.
package discovery
