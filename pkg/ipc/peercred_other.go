//go:build !linux

package ipc

import (
	"net"

	"github.com/billm/baaaht/awareness/pkg/types"
)

// peerPrincipal is only implemented on Linux. Elsewhere every connection is
// refused, since an unidentified caller cannot own a client.
func peerPrincipal(net.Conn) (types.Principal, error) {
	return types.Principal{}, types.NewError(types.ErrCodeUnavailable, "peer credentials are not supported on this platform")
}
