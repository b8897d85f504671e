package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/miekg/dns"

	"github.com/haukened/dnsgate/internal/dns/common/log"
	"github.com/haukened/dnsgate/internal/dns/domain"
	"github.com/haukened/dnsgate/internal/dns/gateways/wire"
)

// UDPTransport serves DNS over UDP, one goroutine per datagram.
type UDPTransport struct {
	addr   string
	conn   *net.UDPConn
	codec  Codec
	logger log.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewUDPTransport creates a UDP transport for addr.
func NewUDPTransport(addr string, codec Codec, logger log.Logger) *UDPTransport {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &UDPTransport{
		addr:   addr,
		codec:  codec,
		logger: logger,
	}
}

// Start binds the UDP socket and starts the read loop.
func (t *UDPTransport) Start(ctx context.Context, handler RequestHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("UDP transport already running")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", t.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket on %s: %w", t.addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.conn = conn
	t.cancel = cancel
	t.running = true

	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   conn.LocalAddr().String(),
	}, "DNS transport started")

	t.wg.Add(1)
	go t.listenLoop(runCtx, conn, handler)

	// the read loop blocks in ReadFromUDP, so cancellation closes the socket
	go func() {
		<-runCtx.Done()
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.running && t.conn == conn {
			_ = t.stopLocked()
		}
	}()
	return nil
}

// Stop closes the socket and waits for in-flight queries.
func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	return t.stopLocked()
}

func (t *UDPTransport) stopLocked() error {
	t.running = false
	t.cancel()

	closeErr := t.conn.Close()
	if closeErr != nil {
		t.logger.Warn(map[string]any{"error": closeErr}, "Error closing UDP connection")
	}
	t.wg.Wait()

	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   t.conn.LocalAddr().String(),
	}, "DNS transport stopped")
	return closeErr
}

// Address returns the bound address while running.
func (t *UDPTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.running {
		return t.conn.LocalAddr().String()
	}
	return t.addr
}

func (t *UDPTransport) listenLoop(ctx context.Context, conn *net.UDPConn, handler RequestHandler) {
	defer t.wg.Done()

	buffer := make([]byte, dns.MaxMsgSize)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				t.logger.Debug(nil, "UDP transport read loop exiting")
				return
			}
			t.logger.Warn(map[string]any{"error": err}, "Failed to read UDP packet")
			continue
		}

		packet := make([]byte, n)
		copy(packet, buffer[:n])
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handlePacket(ctx, conn, packet, clientAddr, handler)
		}()
	}
}

func (t *UDPTransport) handlePacket(ctx context.Context, conn *net.UDPConn, data []byte, clientAddr *net.UDPAddr, handler RequestHandler) {
	out, ok := t.respond(ctx, data, clientAddr, handler)
	if !ok {
		return
	}
	if _, err := conn.WriteToUDP(out, clientAddr); err != nil {
		t.logger.Error(map[string]any{
			"client": clientAddr.String(),
			"error":  err,
		}, "Failed to send DNS response")
		return
	}
	t.logger.Debug(map[string]any{
		"client": clientAddr.String(),
		"size":   len(out),
	}, "Sent DNS response")
}

// respond produces the reply bytes for one datagram, or false when the
// datagram is dropped.
func (t *UDPTransport) respond(ctx context.Context, data []byte, clientAddr net.Addr, handler RequestHandler) ([]byte, bool) {
	req, q, err := t.codec.DecodeQuery(data)
	var reject *wire.RejectError
	switch {
	case errors.Is(err, wire.ErrResponse):
		t.logger.Debug(map[string]any{"client": clientAddr.String()}, "Dropped inbound DNS response")
		return nil, false
	case errors.As(err, &reject):
		t.logger.Debug(map[string]any{
			"client": clientAddr.String(),
			"rcode":  reject.RCode.String(),
			"reason": reject.Reason,
		}, "Rejected DNS query")
		out, err := t.codec.EncodeReject(req, reject.RCode)
		if err != nil {
			t.logger.Error(map[string]any{"client": clientAddr.String(), "error": err}, "Failed to encode DNS reject")
			return nil, false
		}
		return out, true
	case err != nil:
		out, ok := t.codec.FormatError(data)
		t.logger.Warn(map[string]any{
			"client":  clientAddr.String(),
			"error":   err,
			"size":    len(data),
			"replied": ok,
		}, "Failed to decode DNS query")
		return out, ok
	}

	resp := handler.HandleQuery(ctx, q, clientAddr)
	out, err := t.codec.EncodeResponse(req, resp)
	if err != nil {
		t.logger.Error(map[string]any{
			"client":   clientAddr.String(),
			"query_id": q.ID,
			"error":    err,
		}, "Failed to encode DNS response")
		if out, err = t.codec.EncodeReject(req, domain.SERVFAIL); err != nil {
			return nil, false
		}
	}
	return out, true
}
