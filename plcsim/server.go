// Package plcsim is an in-process Logix controller for tests. It speaks
// EtherNet/IP on a loopback listener and serves symbolic tag reads and
// writes, template reads, symbol browsing, Multiple Service Packets and
// Unconnected Send routing. Faults can be injected: delayed, dropped and
// out-of-sequence replies, dropped connections and per-tag CIP errors.
package plcsim

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"taglink/eip"
	"taglink/logging"
	"taglink/logix"
)

// Option configures a Server.
type Option func(*Server)

// WithSlot makes the server expect routed requests for a CPU in slot.
// Requests routed to any other slot fail.
func WithSlot(slot byte) Option {
	return func(s *Server) { s.slot = slot }
}

// WithMaxReply bounds the data of a single reply. Larger reads are answered
// with partial transfer.
func WithMaxReply(n int) Option {
	return func(s *Server) { s.maxReply = n }
}

// WithIdentity sets the ListIdentity record.
func WithIdentity(id eip.Identity) Option {
	return func(s *Server) { s.identity = id }
}

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is a simulated controller.
type Server struct {
	slot     byte
	maxReply int
	identity eip.Identity
	log      logging.Logger

	ln net.Listener
	wg sync.WaitGroup

	mu         sync.Mutex
	conns      map[net.Conn]struct{}
	nextHandle uint32
	tags       map[string]*simTag
	order      []*simTag
	programs   map[string]uint32
	progNames  []program
	templates  map[uint16]*logix.Template
	failures   map[string]failure
	counts     map[byte]int
	sessions   int
	nextInst   uint32
	delay      time.Duration
	drop       int
	stale      int
}

type failure struct {
	status byte
	ext    []uint16
}

// New creates a server. Call Start to listen.
func New(opts ...Option) *Server {
	s := &Server{
		maxReply: 480,
		identity: eip.Identity{
			EncapsulationVersion: 1,
			VendorID:             1,
			DeviceType:           0x0E,
			ProductCode:          0x0096,
			RevisionMajor:        33,
			RevisionMinor:        11,
			SerialNumber:         0x00C0FFEE,
			ProductName:          "1756-L83E/B",
			State:                3,
		},
		log:        logging.Nop(),
		conns:      make(map[net.Conn]struct{}),
		nextHandle: 0x1000,
		tags:       make(map[string]*simTag),
		programs:   make(map[string]uint32),
		templates:  make(map[uint16]*logix.Template),
		failures:   make(map[string]failure),
		counts:     make(map[byte]int),
		nextInst:   1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start listens on a random loopback port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.accept()
	s.log.Info("simulator listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the host:port to connect to.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the listener, drops every connection and waits for the
// handlers to exit.
func (s *Server) Close() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every client connection, as a cable pull would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// SetDelay delays every SendRRData reply by d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// DropNext ignores the next n SendRRData requests without replying.
func (s *Server) DropNext(n int) {
	s.mu.Lock()
	s.drop = n
	s.mu.Unlock()
}

// StaleNext precedes each of the next n replies with a copy carrying the
// wrong sequence number.
func (s *Server) StaleNext(n int) {
	s.mu.Lock()
	s.stale = n
	s.mu.Unlock()
}

// Requests returns how many times a CIP service was executed, embedded
// services included.
func (s *Server) Requests(service byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[service]
}

// Sessions returns how many sessions have been registered.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Conns returns how many client connections are open.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	var handle uint32
	for {
		f, err := eip.ReadFrame(conn)
		if err != nil {
			return
		}
		out := eip.Frame{Command: f.Command, Session: f.Session, Context: f.Context}

		switch f.Command {
		case eip.RegisterSession:
			s.mu.Lock()
			s.nextHandle++
			s.sessions++
			handle = s.nextHandle
			s.mu.Unlock()
			out.Session = handle
			out.Payload = f.Payload
		case eip.UnRegisterSession:
			return
		case eip.NOP:
			continue
		case eip.ListIdentity:
			cpf := eip.CommonPacket{Items: []eip.CommonPacketItem{
				{TypeId: eip.CpfTypeListIdentityResponseId, Data: s.identity.Bytes()},
			}}
			out.Payload = cpf.Bytes()
		case eip.SendRRData:
			if handle == 0 || f.Session != handle {
				out.Status = 0x64
				break
			}
			payload, ok := s.sendRRData(f.Payload)
			if !ok {
				continue
			}
			out.Payload = payload
		default:
			out.Status = 0x01
		}

		if !s.write(conn, out) {
			return
		}
	}
}

// sendRRData applies injected faults, then answers the CIP message.
// ok is false when the request is dropped.
func (s *Server) sendRRData(payload []byte) ([]byte, bool) {
	s.mu.Lock()
	if s.drop > 0 {
		s.drop--
		s.mu.Unlock()
		logging.DebugLog("plcsim", "dropping request")
		return nil, false
	}
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	var msg []byte
	cd, err := eip.ParseCommandData(payload)
	if err == nil {
		var cpf *eip.CommonPacket
		if cpf, err = eip.ParseCommonPacket(cd.Packet); err == nil {
			msg, err = cpf.UnconnectedData()
		}
	}
	var resp []byte
	if err != nil {
		resp = reply(0, 0x13, nil, nil)
	} else {
		resp = s.handle(msg, true)
	}

	pkt := eip.UnconnectedPacket(resp)
	out := eip.CommandData{Packet: pkt.Bytes()}
	return out.Bytes(), true
}

func (s *Server) write(conn net.Conn, f eip.Frame) bool {
	s.mu.Lock()
	stale := s.stale > 0 && f.Command == eip.SendRRData
	if stale {
		s.stale--
	}
	s.mu.Unlock()

	if stale {
		old := f
		seq := binary.LittleEndian.Uint64(f.Context[:])
		binary.LittleEndian.PutUint64(old.Context[:], seq-1)
		if _, err := conn.Write(old.Bytes()); err != nil {
			return false
		}
	}
	_, err := conn.Write(f.Bytes())
	return err == nil
}
