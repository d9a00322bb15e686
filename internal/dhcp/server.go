package dhcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/invdhcp/invdhcpd/internal/metrics"
)

// ErrServerStopped is returned by control requests once Serve has exited.
var ErrServerStopped = errors.New("dhcp server stopped")

// maxDatagram bounds one read. Anything larger is truncated and fails to
// decode.
const maxDatagram = 4096

// packetConn is the part of ipv4.PacketConn the server uses.
type packetConn interface {
	ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error)
	WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Server is the DHCPv4 receive loop. Datagrams are handled one at a time on
// the goroutine running Serve, which is also the only goroutine that touches
// the negotiator.
type Server struct {
	conn       packetConn
	negotiator *Negotiator
	codec      *Codec
	replyAddr  *net.UDPAddr
	poll       time.Duration
	control    chan func()
	done       chan struct{}
	logger     *slog.Logger
}

// ServerConfig holds the loop settings.
type ServerConfig struct {
	ReplyPort    int
	PollInterval time.Duration
}

// NewServer wraps conn. Replies are broadcast to 255.255.255.255 on
// cfg.ReplyPort.
func NewServer(conn packetConn, negotiator *Negotiator, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.ReplyPort == 0 {
		cfg.ReplyPort = 68
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Server{
		conn:       conn,
		negotiator: negotiator,
		codec:      NewCodec(logger),
		replyAddr:  &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.ReplyPort},
		poll:       cfg.PollInterval,
		control:    make(chan func()),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Serve runs the receive loop until ctx is cancelled or a fatal error
// occurs. It closes the connection on return.
func (s *Server) Serve(ctx context.Context) error {
	defer close(s.done)
	defer s.conn.Close()

	s.logger.Info("dhcp server started", "reply_addr", s.replyAddr.String())
	buf := make([]byte, maxDatagram)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("dhcp server stopped")
			return nil
		default:
		}
		s.drainControl()

		if err := s.conn.SetReadDeadline(time.Now().Add(s.poll)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}
		n, cm, src, err := s.conn.ReadFrom(buf)
		if err != nil {
			if isBenign(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			metrics.PacketErrors.WithLabelValues("read").Inc()
			s.logger.Error("reading dhcp socket", "error", err)
			return fmt.Errorf("reading dhcp socket: %w", err)
		}

		if err := s.dispatch(ctx, buf[:n], cm, src); err != nil {
			return err
		}
	}
}

// drainControl runs every queued control request. Control requests run
// between datagrams, never while one is being handled.
func (s *Server) drainControl() {
	for {
		select {
		case fn := <-s.control:
			fn()
		default:
			return
		}
	}
}

// dispatch handles one datagram and returns an error only when the loop
// must stop.
func (s *Server) dispatch(ctx context.Context, data []byte, cm *ipv4.ControlMessage, src net.Addr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PacketErrors.WithLabelValues("panic").Inc()
			s.logger.Error("panic handling dhcp packet",
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic handling dhcp packet: %v", r)
		}
	}()

	req, err := s.codec.Decode(data)
	if err != nil {
		metrics.PacketErrors.WithLabelValues("decode").Inc()
		s.logger.Warn("dropping malformed packet",
			"error", err,
			"src", addrString(src),
			"size", len(data))
		return nil
	}

	msgType := req.Type.String()
	metrics.PacketsReceived.WithLabelValues(msgType).Inc()
	if cm != nil && s.logger.Enabled(ctx, slog.LevelDebug) {
		s.logger.Debug("packet received",
			"mac", req.MAC(),
			"ifindex", cm.IfIndex,
			"dst", cm.Dst.String(),
			"src", addrString(src))
	}
	start := time.Now()

	offer, err := s.negotiator.Handle(ctx, req)
	metrics.PacketProcessingDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrUpstream):
		metrics.PacketErrors.WithLabelValues("upstream").Inc()
		s.logger.Error("inventory lookup failed, dropping packet",
			"error", err,
			"mac", req.MAC(),
			"xid", req.XID.String())
		return nil
	case err != nil:
		metrics.PacketErrors.WithLabelValues("handler").Inc()
		s.logger.Error("handling dhcp packet", "error", err, "mac", req.MAC())
		return fmt.Errorf("handling %s from %s: %w", msgType, req.MAC(), err)
	case offer == nil:
		return nil
	}

	reply, err := s.codec.Encode(offer)
	if err != nil {
		metrics.PacketErrors.WithLabelValues("encode").Inc()
		s.logger.Error("encoding reply", "error", err, "mac", req.MAC())
		return fmt.Errorf("encoding reply for %s: %w", req.MAC(), err)
	}

	if err := s.sendAll(reply); err != nil {
		metrics.PacketErrors.WithLabelValues("send").Inc()
		s.logger.Error("sending reply",
			"error", err,
			"dst", s.replyAddr.String(),
			"mac", req.MAC())
		return fmt.Errorf("sending reply to %s: %w", s.replyAddr, err)
	}
	metrics.PacketsSent.WithLabelValues(offer.Type.String()).Inc()
	return nil
}

// sendAll writes b to the broadcast address, retrying until every byte has
// been accepted.
func (s *Server) sendAll(b []byte) error {
	for len(b) > 0 {
		n, err := s.conn.WriteTo(b, nil, s.replyAddr)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// do runs fn on the serve goroutine and waits for it to finish.
func (s *Server) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.control <- wrapped:
	case <-s.done:
		return ErrServerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearCaches empties both query caches at the next safe point and returns
// the number of invalidated entries.
func (s *Server) ClearCaches(ctx context.Context) (int, error) {
	var n int
	if err := s.do(ctx, func() { n = s.negotiator.ClearCaches() }); err != nil {
		return 0, err
	}
	return n, nil
}

// Offers returns a snapshot of the offer table.
func (s *Server) Offers(ctx context.Context) ([]OfferInfo, error) {
	var out []OfferInfo
	if err := s.do(ctx, func() { out = s.negotiator.Offers() }); err != nil {
		return nil, err
	}
	return out, nil
}

// isBenign reports read errors that are retried silently.
func isBenign(err error) bool {
	if errors.Is(err, syscall.EINTR) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Listen opens the DHCP socket on addr with address reuse and broadcast
// enabled.
func Listen(ctx context.Context, addr string, logger *slog.Logger) (*ipv4.PacketConn, error) {
	lc := net.ListenConfig{Control: controlSocket}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	conn := ipv4.NewPacketConn(pc)
	if err := conn.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
		logger.Warn("control messages unavailable, ingress interface will not be logged", "error", err)
	}
	logger.Info("dhcp socket bound", "address", pc.LocalAddr().String())
	return conn, nil
}
