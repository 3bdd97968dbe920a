package types

import (
	"crypto/tls"
	"net"
)

type TLSManager interface {
	LifecycleManager
	Listen(addr string) (net.Listener, error)
	GetTLSConfig() *tls.Config
}
