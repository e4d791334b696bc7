// Package engine is a small datagram secure channel driven entirely through
// non-blocking send and receive callbacks.
//
// A client sends a hello carrying an ephemeral X25519 key share; the server
// answers with its own share and a sealed confirmation. Both sides then derive
// ChaCha20-Poly1305 traffic keys with HKDF-SHA256. Every call returns
// ErrWantRead or ErrWantWrite instead of blocking; the caller owns the retry
// loop.
package engine

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/curve25519"

	"firestige.xyz/irqbridge/internal/core"
)

var (
	ErrWantRead  = errors.New("engine: want read")
	ErrWantWrite = errors.New("engine: want write")
	// ErrNotEstablished is returned by Read and Write before the handshake completes.
	ErrNotEstablished = errors.New("engine: handshake not complete")
	// ErrRecordTooLarge is returned by Write for payloads over MaxPlaintext.
	ErrRecordTooLarge = errors.New("engine: record too large")
)

// Transport is the non-blocking I/O surface the engine runs on. Receive must
// return at most one datagram per call.
type Transport interface {
	Send(p []byte) core.Result
	Receive(p []byte) core.Result
}

// Allocator provides the session's working buffers.
type Allocator interface {
	Malloc(n int) ([]byte, error)
	Free(b []byte)
}

// Timer is a seconds-resolution clock.
type Timer interface {
	Seconds() uint32
}

// Role selects the side of the handshake.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Hooks observe handshake milestones.
type Hooks struct {
	// VerifyStart and VerifyEnd bracket key agreement and peer confirmation.
	VerifyStart func()
	VerifyEnd   func()
}

// Config configures a Conn.
type Config struct {
	Role Role
	// RetransmitTimeout resends the client hello when no server hello has
	// arrived. It is rounded up to whole seconds.
	RetransmitTimeout time.Duration
	Timer             Timer
	Alloc             Allocator
	Rand              io.Reader
	Hooks             Hooks
}

type state int

const (
	stateStart state = iota
	stateSendHello
	stateAwaitHello
	stateEstablished
	stateClosed
	stateFailed
)

// Conn is one end of a session. It is not safe for concurrent use.
type Conn struct {
	t     Transport
	role  Role
	timer Timer
	alloc Allocator
	rand  io.Reader
	hooks Hooks
	rto   uint32

	state state
	err   error

	// handshake scratch, released once established
	priv      []byte
	outHello  []byte
	keyWork   []byte
	localRand [randomSize]byte
	peerRand  [randomSize]byte
	sentAt    uint32

	keys     *trafficKeys
	writeSeq uint64
	readSeq  uint64

	rbuf []byte
	wbuf []byte
	// pendingLen is the plaintext length of a sealed record in wbuf that
	// has not been accepted by the transport yet
	pending    []byte
	pendingLen int
	// unread plaintext left over from a short Read
	unread []byte

	retransmits int
}

type heapAllocator struct{}

func (heapAllocator) Malloc(n int) ([]byte, error) { return make([]byte, n), nil }
func (heapAllocator) Free([]byte)                  {}

// New allocates the session buffers.
func New(t Transport, cfg Config) (*Conn, error) {
	if t == nil || cfg.Timer == nil {
		return nil, fmt.Errorf("%w: engine requires a transport and a timer", core.ErrConfigInvalid)
	}
	if cfg.Alloc == nil {
		cfg.Alloc = heapAllocator{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	rto := uint32((cfg.RetransmitTimeout + time.Second - 1) / time.Second)
	if rto == 0 {
		rto = 1
	}

	c := &Conn{
		t:     t,
		role:  cfg.Role,
		timer: cfg.Timer,
		alloc: cfg.Alloc,
		rand:  cfg.Rand,
		hooks: cfg.Hooks,
		rto:   rto,
	}
	var err error
	if c.rbuf, err = c.alloc.Malloc(MaxRecordSize); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrAllocation, err)
	}
	if c.wbuf, err = c.alloc.Malloc(MaxRecordSize); err != nil {
		c.alloc.Free(c.rbuf)
		return nil, fmt.Errorf("%w: %v", core.ErrAllocation, err)
	}
	return c, nil
}

// Handshake advances the handshake. It returns nil once the session is
// established.
func (c *Conn) Handshake() error {
	for {
		switch c.state {
		case stateEstablished:
			return nil
		case stateFailed, stateClosed:
			return c.err
		case stateStart:
			if err := c.start(); err != nil {
				return c.fail(err)
			}
		case stateSendHello:
			res := c.t.Send(c.outHello)
			if res.Blocked() {
				return ErrWantWrite
			}
			if !res.Ok() {
				return c.fail(res.AsError())
			}
			c.sentAt = c.timer.Seconds()
			if c.role == RoleServer {
				c.establish()
				return nil
			}
			c.state = stateAwaitHello
		case stateAwaitHello:
			res := c.t.Receive(c.rbuf)
			if res.Blocked() {
				if c.role == RoleClient && c.timer.Seconds()-c.sentAt >= c.rto {
					c.retransmits++
					slog.Debug("retransmitting client hello", "component", "engine", "attempt", c.retransmits)
					c.state = stateSendHello
					continue
				}
				return ErrWantRead
			}
			if !res.Ok() {
				return c.fail(res.AsError())
			}
			if err := c.handleHello(c.rbuf[:res.N]); err != nil {
				if errors.Is(err, core.ErrHandshakeFailed) {
					return c.fail(err)
				}
				slog.Debug("ignoring datagram during handshake", "component", "engine", "error", err)
			}
		}
	}
}

func (c *Conn) fail(err error) error {
	c.state = stateFailed
	c.err = err
	c.releaseScratch()
	return err
}

// start allocates the handshake scratch and, for the client, builds the hello.
func (c *Conn) start() error {
	var err error
	if c.priv, err = c.alloc.Malloc(curve25519.ScalarSize); err != nil {
		return fmt.Errorf("%w: %v", core.ErrAllocation, err)
	}
	if c.keyWork, err = c.alloc.Malloc(2 * (32 + 12)); err != nil {
		return fmt.Errorf("%w: %v", core.ErrAllocation, err)
	}
	if _, err := io.ReadFull(c.rand, c.priv); err != nil {
		return err
	}
	if _, err := io.ReadFull(c.rand, c.localRand[:]); err != nil {
		return err
	}

	if c.role == RoleServer {
		c.state = stateAwaitHello
		return nil
	}
	pub, err := curve25519.X25519(c.priv, curve25519.Basepoint)
	if err != nil {
		return err
	}
	if c.outHello, err = c.alloc.Malloc(helloSize); err != nil {
		return fmt.Errorf("%w: %v", core.ErrAllocation, err)
	}
	c.outHello = appendHello(c.outHello[:0], typeClientHello, c.localRand[:], pub)
	c.state = stateSendHello
	return nil
}

func (c *Conn) handleHello(b []byte) error {
	h, err := parseHello(b)
	if err != nil {
		return err
	}
	switch {
	case c.role == RoleServer && h.typ == typeClientHello:
		return c.acceptClientHello(h)
	case c.role == RoleClient && h.typ == typeServerHello:
		return c.acceptServerHello(h)
	default:
		return fmt.Errorf("%w: unexpected record type %#x", errMalformed, h.typ)
	}
}

func (c *Conn) agree(peerShare, clientRandom, serverRandom []byte) (*trafficKeys, error) {
	if c.hooks.VerifyStart != nil {
		c.hooks.VerifyStart()
	}
	defer func() {
		if c.hooks.VerifyEnd != nil {
			c.hooks.VerifyEnd()
		}
	}()
	shared, err := curve25519.X25519(c.priv, peerShare)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", core.ErrHandshakeFailed, err)
	}
	keys, err := deriveKeys(shared, clientRandom, serverRandom, c.keyWork)
	clear(shared)
	if err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", core.ErrHandshakeFailed, err)
	}
	return keys, nil
}

// acceptClientHello derives the session and builds the server hello. A
// repeated hello from the same client reuses the already built reply.
func (c *Conn) acceptClientHello(h hello) error {
	if c.keys != nil && bytes.Equal(h.random, c.peerRand[:]) && c.outHello != nil {
		c.state = stateSendHello
		return nil
	}
	if c.priv == nil {
		if err := c.start(); err != nil {
			return err
		}
	}
	keys, err := c.agree(h.keyShare, h.random, c.localRand[:])
	if err != nil {
		return err
	}
	pub, err := curve25519.X25519(c.priv, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrHandshakeFailed, err)
	}
	if c.outHello == nil {
		if c.outHello, err = c.alloc.Malloc(MaxRecordSize); err != nil {
			return fmt.Errorf("%w: %v", core.ErrAllocation, err)
		}
	}
	out := appendHello(c.outHello[:0], typeServerHello, c.localRand[:], pub)
	out = seal(out, keys.serverWrite, keys.serverIV, typeServerHello, 0, []byte(confirmText))
	c.outHello = out

	copy(c.peerRand[:], h.random)
	c.keys = keys
	c.writeSeq, c.readSeq = 1, 1
	c.unread = nil
	c.state = stateSendHello
	return nil
}

func (c *Conn) acceptServerHello(h hello) error {
	keys, err := c.agree(h.keyShare, c.localRand[:], h.random)
	if err != nil {
		return err
	}
	typ, seq, pt, err := open(keys.serverWrite, keys.serverIV, h.confirm)
	if err != nil || typ != typeServerHello || seq != 0 || string(pt) != confirmText {
		// a stale or foreign reply; keep waiting for ours
		return fmt.Errorf("%w: server confirmation rejected", errMalformed)
	}
	copy(c.peerRand[:], h.random)
	c.keys = keys
	c.writeSeq, c.readSeq = 1, 1
	c.establish()
	return nil
}

func (c *Conn) establish() {
	c.state = stateEstablished
	if c.role == RoleClient {
		c.releaseScratch()
	}
	slog.Debug("session established", "component", "engine", "role", c.role.String(), "retransmits", c.retransmits)
}

// releaseScratch returns the handshake buffers to the allocator. The server
// keeps its hello so a retransmitted client hello can be answered.
func (c *Conn) releaseScratch() {
	for _, b := range []*[]byte{&c.priv, &c.keyWork, &c.outHello} {
		if *b != nil {
			clear(*b)
			c.alloc.Free(*b)
			*b = nil
		}
	}
}

// Established reports whether the handshake has completed.
func (c *Conn) Established() bool { return c.state == stateEstablished }

// Retransmits returns how many times the client hello was resent.
func (c *Conn) Retransmits() int { return c.retransmits }

// Write seals p into one record and sends it. On ErrWantWrite the record
// stays queued and the caller must retry with the same p.
func (c *Conn) Write(p []byte) (int, error) {
	if c.state != stateEstablished {
		if c.err != nil {
			return 0, c.err
		}
		return 0, ErrNotEstablished
	}
	if c.pending == nil {
		if len(p) > MaxPlaintext {
			return 0, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(p))
		}
		c.pending = c.sealOut(typeData, p)
		c.pendingLen = len(p)
	}
	res := c.t.Send(c.pending)
	if res.Blocked() {
		return 0, ErrWantWrite
	}
	if !res.Ok() {
		c.pending = nil
		return 0, c.fail(res.AsError())
	}
	n := c.pendingLen
	c.pending, c.pendingLen = nil, 0
	return n, nil
}

func (c *Conn) sealOut(typ byte, p []byte) []byte {
	aead, iv := c.keys.serverWrite, c.keys.serverIV
	if c.role == RoleClient {
		aead, iv = c.keys.clientWrite, c.keys.clientIV
	}
	rec := seal(c.wbuf[:0], aead, iv, typ, c.writeSeq, p)
	c.writeSeq++
	return rec
}

// Read returns decrypted application data. It returns io.EOF once the peer
// has closed the session. Records that fail authentication or arrive out of
// order are dropped. A server that receives a client hello returns
// ErrWantWrite; call Handshake to answer it.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.unread) > 0 {
		n := copy(p, c.unread)
		c.unread = c.unread[n:]
		return n, nil
	}
	switch c.state {
	case stateEstablished:
	case stateClosed:
		return 0, io.EOF
	default:
		if c.err != nil {
			return 0, c.err
		}
		return 0, ErrNotEstablished
	}

	for {
		res := c.t.Receive(c.rbuf)
		if res.Blocked() {
			return 0, ErrWantRead
		}
		if !res.Ok() {
			return 0, c.fail(res.AsError())
		}
		rec := c.rbuf[:res.N]
		if len(rec) == 0 {
			continue
		}

		switch rec[0] {
		case typeClientHello:
			if c.role == RoleServer {
				if err := c.handleHello(rec); err == nil && c.state == stateSendHello {
					// answered from the next Handshake call
					return 0, ErrWantWrite
				}
			}
			continue
		case typeServerHello:
			// duplicate reply to a retransmitted hello
			continue
		}

		aead, iv := c.keys.clientWrite, c.keys.clientIV
		if c.role == RoleClient {
			aead, iv = c.keys.serverWrite, c.keys.serverIV
		}
		typ, seq, pt, err := open(aead, iv, rec)
		if err != nil || seq < c.readSeq {
			continue
		}
		c.readSeq = seq + 1

		switch typ {
		case typeAlert:
			c.state = stateClosed
			return 0, io.EOF
		case typeData:
			n := copy(p, pt)
			c.unread = pt[n:]
			return n, nil
		}
	}
}

// Close sends a close alert. It may return ErrWantWrite; retry until nil.
func (c *Conn) Close() error {
	if c.state != stateEstablished {
		return nil
	}
	if c.pending == nil {
		c.pending = c.sealOut(typeAlert, nil)
	}
	res := c.t.Send(c.pending)
	if res.Blocked() {
		return ErrWantWrite
	}
	c.pending = nil
	c.state = stateClosed
	if !res.Ok() {
		return res.AsError()
	}
	return nil
}

// Free returns every buffer to the allocator.
func (c *Conn) Free() {
	c.releaseScratch()
	for _, b := range []*[]byte{&c.rbuf, &c.wbuf} {
		if *b != nil {
			c.alloc.Free(*b)
			*b = nil
		}
	}
	c.unread, c.pending = nil, nil
}
