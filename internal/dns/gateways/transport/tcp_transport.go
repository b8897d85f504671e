package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/haukened/dnsgate/internal/dns/common/log"
	"github.com/haukened/dnsgate/internal/dns/domain"
	"github.com/haukened/dnsgate/internal/dns/gateways/wire"
)

const tcpShutdownTimeout = 5 * time.Second

// TCPTransport serves DNS over TCP on a miekg/dns server. Replies are never
// truncated below the 64 KiB message limit.
type TCPTransport struct {
	addr   string
	codec  Codec
	logger log.Logger

	mu       sync.Mutex
	running  bool
	server   *dns.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// NewTCPTransport creates a TCP transport for addr.
func NewTCPTransport(addr string, codec Codec, logger log.Logger) *TCPTransport {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &TCPTransport{
		addr:   addr,
		codec:  codec,
		logger: logger,
	}
}

// Start binds the TCP listener and serves until Stop or ctx cancellation.
func (t *TCPTransport) Start(ctx context.Context, handler RequestHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("TCP transport already running")
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to bind TCP listener on %s: %w", t.addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	started := make(chan struct{})
	srv := &dns.Server{
		Listener:          ln,
		Net:               "tcp",
		Handler:           t.serveDNS(runCtx, handler),
		NotifyStartedFunc: func() { close(started) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ActivateAndServe() }()
	select {
	case <-started:
	case err := <-errCh:
		cancel()
		_ = ln.Close()
		return fmt.Errorf("failed to serve TCP on %s: %w", t.addr, err)
	}

	t.server = srv
	t.listener = ln
	t.cancel = cancel
	t.running = true

	t.logger.Info(map[string]any{
		"transport": "tcp",
		"address":   ln.Addr().String(),
	}, "DNS transport started")

	go func() {
		<-runCtx.Done()
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.running && t.server == srv {
			_ = t.stopLocked()
		}
	}()
	return nil
}

// Stop shuts the server down, waiting up to five seconds for open connections.
func (t *TCPTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	return t.stopLocked()
}

func (t *TCPTransport) stopLocked() error {
	t.running = false
	t.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), tcpShutdownTimeout)
	defer cancel()
	err := t.server.ShutdownContext(ctx)
	if err != nil {
		t.logger.Warn(map[string]any{"error": err}, "Error shutting down TCP server")
	}

	t.logger.Info(map[string]any{
		"transport": "tcp",
		"address":   t.listener.Addr().String(),
	}, "DNS transport stopped")
	return err
}

// Address returns the bound address while running.
func (t *TCPTransport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return t.listener.Addr().String()
	}
	return t.addr
}

func (t *TCPTransport) serveDNS(ctx context.Context, handler RequestHandler) dns.Handler {
	return dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		var reply *dns.Msg

		q, err := t.codec.Question(req)
		var reject *wire.RejectError
		switch {
		case errors.Is(err, wire.ErrResponse):
			return
		case errors.As(err, &reject):
			reply = t.codec.RejectReply(req, reject.RCode)
		case err != nil:
			reply = t.codec.RejectReply(req, domain.FORMERR)
		default:
			resp := handler.HandleQuery(ctx, q, w.RemoteAddr())
			reply = t.codec.Reply(req, resp, dns.MaxMsgSize)
		}

		if err := w.WriteMsg(reply); err != nil {
			t.logger.Error(map[string]any{
				"client": w.RemoteAddr().String(),
				"error":  err,
			}, "Failed to send DNS response")
		}
	})
}
