package transport

import (
	"fmt"
	"slices"

	"github.com/haukened/dnsgate/internal/dns/common/log"
)

// NewTransport creates a transport of the given type bound to addr.
func NewTransport(transportType TransportType, addr string, codec Codec, logger log.Logger) (ServerTransport, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	switch transportType {
	case TransportUDP:
		return NewUDPTransport(addr, codec, logger), nil
	case TransportTCP:
		return NewTCPTransport(addr, codec, logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", transportType)
	}
}

// GetSupportedTransports returns the transport types NewTransport accepts.
func GetSupportedTransports() []TransportType {
	return []TransportType{TransportUDP, TransportTCP}
}

// IsTransportSupported reports whether NewTransport accepts transportType.
func IsTransportSupported(transportType TransportType) bool {
	return slices.Contains(GetSupportedTransports(), transportType)
}
