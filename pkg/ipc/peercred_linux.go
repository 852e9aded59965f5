//go:build linux

package ipc

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/billm/baaaht/awareness/pkg/types"
)

// peerPrincipal reads the credentials of the process on the other end of a
// Unix socket with SO_PEERCRED.
func peerPrincipal(conn net.Conn) (types.Principal, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return types.Principal{}, types.NewError(types.ErrCodeInvalidArgument, "not a unix socket connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return types.Principal{}, types.WrapError(types.ErrCodeInternal, "failed to access socket", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return types.Principal{}, types.WrapError(types.ErrCodeInternal, "failed to access socket", err)
	}
	if credErr != nil {
		return types.Principal{}, types.WrapError(types.ErrCodeUnauthorized, "failed to read peer credentials", credErr)
	}

	return types.Principal{UID: cred.Uid, GID: cred.Gid, PID: cred.Pid}, nil
}
