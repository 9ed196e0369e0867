//go:build !linux

package unixsock

import (
	"errors"
	"net"
)

func peerCredentials(*net.UnixConn) (Peer, error) {
	return Peer{}, errors.New("peer credentials are only available on linux")
}
