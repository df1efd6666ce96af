package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "tether/1"

// ServeTCP accepts connections from ln until ctx is cancelled or the
// listener fails, wrapping each as a length-prefixed Conn.
// It closes ln before returning.
func ServeTCP(ctx context.Context, ln net.Listener, accept Acceptor, cfg *Config, logger *slog.Logger) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tcp_listener", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				logger.Warn("accept error, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		if tcp, ok := nc.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		accept(NewNetConn(nc, cfg))
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// DialTCP connects to a length-prefixed TCP endpoint.
func DialTCP(ctx context.Context, addr string, cfg *Config) (Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewNetConn(nc, cfg), nil
}

// quicStream adapts a QUIC bidirectional stream so that closing it also
// tears down the QUIC connection it belongs to.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s quicStream) Close() error {
	s.Stream.CancelRead(0)
	err := s.Stream.Close()
	s.conn.CloseWithError(0, "closed")
	return err
}

// QUICConfig returns the quic-go settings used by ListenQUIC and DialQUIC.
// Keep-alives are left to the protocol heartbeat.
func QUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 0,
	}
}

// ListenQUIC opens a QUIC listener on addr. tlsConf must carry a
// certificate; ALPN is added when missing.
func ListenQUIC(addr string, tlsConf *tls.Config) (*quic.Listener, error) {
	tlsConf = withALPN(tlsConf)
	return quic.ListenAddr(addr, tlsConf, QUICConfig())
}

// ServeQUIC accepts QUIC connections from ln until ctx is cancelled. The
// first bidirectional stream opened by each client becomes a
// length-prefixed Conn.
func ServeQUIC(ctx context.Context, ln *quic.Listener, accept Acceptor, cfg *Config, logger *slog.Logger) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "quic_listener", "addr", ln.Addr().String())
	defer ln.Close()

	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		go func() {
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			stream, err := qc.AcceptStream(sctx)
			if err != nil {
				logger.Debug("no stream opened", "remote", qc.RemoteAddr().String(), "error", err)
				qc.CloseWithError(0, "no stream")
				return
			}
			accept(NewStreamConn(quicStream{Stream: stream, conn: qc}, remoteAddr(qc.RemoteAddr()), cfg))
		}()
	}
}

// DialQUIC connects to a QUIC endpoint and opens the stream that carries
// the protocol.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, cfg *Config) (Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, withALPN(tlsConf), QUICConfig())
	if err != nil {
		return nil, err
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(0, "open stream")
		return nil, err
	}
	return NewStreamConn(quicStream{Stream: stream, conn: qc}, remoteAddr(qc.RemoteAddr()), cfg), nil
}

func withALPN(tlsConf *tls.Config) *tls.Config {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	return tlsConf
}

// SelfSignedTLS returns a server TLS config with a fresh self-signed
// certificate for the given hosts. Intended for development and tests.
func SelfSignedTLS(hosts ...string) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"tether"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{ALPN},
	}, nil
}
