package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// DefaultUserAgent is sent in the User-Agent header of outbound requests.
const DefaultUserAgent = "RotaryPhoneController/1.0"

// Config holds the SIP endpoint settings shared by every line.
type Config struct {
	BindAddr      string
	Port          int
	AdvertiseAddr string // Address placed in Contact, From and SDP
	UserAgent     string
}

// Server is the single SIP endpoint of the gateway. It owns the UDP
// transport and hands each request to the Adapter of the ATA that sent it.
type Server struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	conn      net.PacketConn
	listening atomic.Bool

	mu       sync.RWMutex
	adapters map[string]*Adapter // ATA IP -> adapter
	order    []*Adapter
}

// NewServer creates the SIP user agent and registers the request handlers.
// Nothing is bound until Listen.
func NewServer(cfg Config) (*Server, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		ua:       ua,
		srv:      uas,
		client:   uac,
		adapters: make(map[string]*Adapter),
	}

	uas.OnRequest(sip.INVITE, s.handleINVITE)
	uas.OnRequest(sip.BYE, s.handleBYE)
	uas.OnRequest(sip.NOTIFY, s.handleNOTIFY)
	uas.OnRequest(sip.INFO, s.handleINFO)
	uas.OnRequest(sip.ACK, s.handleACK)
	uas.OnRequest(sip.CANCEL, s.handleCANCEL)

	slog.Info("[SIP] Handlers registered", "methods", "INVITE, BYE, NOTIFY, INFO, ACK, CANCEL")
	return s, nil
}

// Listen binds the UDP transport. A bind failure is fatal for the gateway.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.BindAddr, strconv.Itoa(s.cfg.Port))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("bind SIP %s: %w", addr, err)
	}
	s.conn = conn
	if s.cfg.Port == 0 {
		if udp, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			s.cfg.Port = udp.Port
		}
	}
	s.listening.Store(true)
	slog.Info("[SIP] Listening", "addr", conn.LocalAddr().String(), "advertise", s.cfg.AdvertiseAddr)
	return nil
}

// Serve runs the receive loop until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("sip: Serve called before Listen")
	}
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	err := s.srv.ServeUDP(s.conn)
	s.listening.Store(false)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// IsListening reports whether the transport is bound.
func (s *Server) IsListening() bool {
	return s.listening.Load()
}

// Port returns the SIP port, resolved after Listen when configured as 0.
func (s *Server) Port() int {
	return s.cfg.Port
}

// AdvertiseAddr returns the address announced to the ATAs.
func (s *Server) AdvertiseAddr() string {
	return s.cfg.AdvertiseAddr
}

// Close stops the transport and the user agent.
func (s *Server) Close() error {
	s.listening.Store(false)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	return s.ua.Close()
}

// NewAdapter creates the signaling adapter of one line and routes requests
// from line.ATAAddr to it.
func (s *Server) NewAdapter(line LineSettings) *Adapter {
	a := &Adapter{
		server: s,
		line:   line,
		events: make(chan Event, 32),
	}

	s.mu.Lock()
	s.adapters[line.ATAAddr] = a
	s.order = append(s.order, a)
	s.mu.Unlock()
	return a
}

// route picks the adapter for a request by its source IP. With a single
// line every request belongs to it.
func (s *Server) route(req *sip.Request) *Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 1 {
		return s.order[0]
	}
	host, _, err := net.SplitHostPort(req.Source())
	if err != nil {
		host = req.Source()
	}
	return s.adapters[host]
}

func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		slog.Warn("[SIP] Failed to send response", "method", req.Method.String(), "status", int(code), "error", err)
	}
}

func (s *Server) lookup(req *sip.Request, tx sip.ServerTransaction) *Adapter {
	a := s.route(req)
	if a == nil {
		slog.Warn("[SIP] Request from unknown ATA", "method", req.Method.String(), "source", req.Source())
		if req.Method != sip.ACK {
			s.respond(req, tx, sip.StatusForbidden, "Unknown Device")
		}
	}
	return a
}

func (s *Server) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	if a := s.lookup(req, tx); a != nil {
		a.handleINVITE(req, tx)
	}
}

func (s *Server) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	if a := s.lookup(req, tx); a != nil {
		a.handleBYE(req, tx)
	}
}

func (s *Server) handleNOTIFY(req *sip.Request, tx sip.ServerTransaction) {
	if a := s.lookup(req, tx); a != nil {
		a.handleBody(req, tx)
	}
}

func (s *Server) handleINFO(req *sip.Request, tx sip.ServerTransaction) {
	if a := s.lookup(req, tx); a != nil {
		a.handleBody(req, tx)
	}
}

func (s *Server) handleACK(req *sip.Request, _ sip.ServerTransaction) {
	slog.Debug("[SIP] ACK received", "call_id", callID(req), "source", req.Source())
}

func (s *Server) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	if a := s.lookup(req, tx); a != nil {
		a.handleCANCEL(req, tx)
	}
}

func callID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
