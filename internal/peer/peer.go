// Package peer is the host-side server end of the secure channel. It answers
// the client handshake over a UDP socket and counts what the client sends.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"runtime"
	"time"

	"firestige.xyz/irqbridge/internal/bridge"
	"firestige.xyz/irqbridge/internal/clock"
	"firestige.xyz/irqbridge/internal/config"
	"firestige.xyz/irqbridge/internal/core"
	"firestige.xyz/irqbridge/internal/device"
	"firestige.xyz/irqbridge/internal/engine"
	"firestige.xyz/irqbridge/internal/metrics"
	"firestige.xyz/irqbridge/internal/ring"
)

// idleSleep is the back-off between empty polls of the engine.
const idleSleep = 200 * time.Microsecond

// Summary describes one finished session.
type Summary struct {
	Bytes       int
	Records     int
	LastMessage string
	Elapsed     time.Duration
	Closed      bool
}

// Server serves client sessions on one device.
type Server struct {
	cfg   *config.Config
	stack *bridge.Stack
	rec   *metrics.Recorder
	clock *clock.Clock
	out   io.Writer
}

// Option configures a Server.
type Option func(*Server)

// WithOutput sets where session summaries are printed.
func WithOutput(w io.Writer) Option {
	return func(s *Server) { s.out = w }
}

// Open binds a UDP device on the peer endpoint that talks to the node
// endpoint.
func Open(cfg *config.Config) (device.Device, error) {
	local, err := cfg.Peer.Endpoint()
	if err != nil {
		return nil, err
	}
	client, err := cfg.Node.Endpoint()
	if err != nil {
		return nil, err
	}
	bind, err := netip.ParseAddr(cfg.Device.Bind)
	if err != nil {
		return nil, fmt.Errorf("invalid device.bind: %w", err)
	}
	return device.NewUDP(device.UDPConfig{
		Bind:       bind,
		Port:       local.Port,
		Peer:       client,
		QueueDepth: cfg.Device.HWQueueDepth,
	})
}

// New wires the server on dev and arms interrupts.
func New(ctx context.Context, cfg *config.Config, dev device.Device, opts ...Option) (*Server, error) {
	local, err := cfg.Peer.Endpoint()
	if err != nil {
		return nil, err
	}
	client, err := cfg.Node.Endpoint()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:   cfg,
		clock: clock.New(clock.NewHostCounter(cfg.Clock.FrequencyHz), cfg.Clock.FrequencyHz),
		out:   io.Discard,
	}
	for _, o := range opts {
		o(s)
	}
	s.rec = metrics.NewRecorder(s.clock)

	rc := ring.Config{Slots: cfg.Ring.Slots, SlotSize: cfg.Ring.SlotSize, Peer: client, LocalPort: local.Port}
	ac := bridge.Config{SrcPort: local.Port, DstPort: client.Port}
	if s.stack, err = bridge.NewStack(dev, rc, ac, s.rec); err != nil {
		return nil, err
	}
	if err := s.stack.Arm(ctx); err != nil {
		return nil, err
	}
	slog.Info("peer listening", "component", "peer", "local", local.String(), "client", client.String())
	return s, nil
}

// Serve runs sessions back to back until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	for {
		sum, err := s.Session(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.print(sum)
	}
}

// Session serves one client session, from its first hello to the close alert.
func (s *Server) Session(ctx context.Context) (Summary, error) {
	conn, err := engine.New(s.stack.Adapter, engine.Config{
		Role:              engine.RoleServer,
		RetransmitTimeout: s.cfg.Engine.RetransmitTimeout,
		Timer:             s.clock,
	})
	if err != nil {
		return Summary{}, err
	}
	defer conn.Free()

	log := slog.With("component", "peer")
	for {
		err := conn.Handshake()
		if err == nil {
			break
		}
		if !errors.Is(err, engine.ErrWantRead) && !errors.Is(err, engine.ErrWantWrite) {
			return Summary{}, fmt.Errorf("%w: %v", core.ErrHandshakeFailed, err)
		}
		if err := s.idle(ctx); err != nil {
			return Summary{}, err
		}
	}
	log.Info("session established")

	var (
		sum   Summary
		start = time.Now()
		buf   = make([]byte, engine.MaxPlaintext)
	)
	for {
		n, err := conn.Read(buf)
		switch {
		case err == nil:
			sum.Bytes += n
			sum.Records++
			if n > 0 && buf[0] != 'A' {
				sum.LastMessage = string(buf[:n])
			}
			continue
		case errors.Is(err, io.EOF):
			sum.Closed = true
		case errors.Is(err, engine.ErrWantWrite):
			// the client restarted its handshake; replay our hello
			if err := conn.Handshake(); err != nil && !errors.Is(err, engine.ErrWantWrite) {
				return sum, err
			}
			continue
		case errors.Is(err, engine.ErrWantRead):
			if err := s.idle(ctx); err != nil {
				sum.Elapsed = time.Since(start)
				return sum, err
			}
			continue
		default:
			return sum, err
		}
		break
	}
	sum.Elapsed = time.Since(start)
	log.Info("session closed", "bytes", sum.Bytes, "records", sum.Records, "elapsed", sum.Elapsed)
	return sum, nil
}

func (s *Server) idle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.stack.Ring.Pending() == 0 {
		time.Sleep(idleSleep)
	} else {
		runtime.Gosched()
	}
	return nil
}

func (s *Server) print(sum Summary) {
	fmt.Fprintf(s.out, "Session: %d bytes in %d records (%s)\n", sum.Bytes, sum.Records, sum.Elapsed.Round(time.Millisecond))
	if sum.LastMessage != "" {
		fmt.Fprintf(s.out, "Last message: %q\n", sum.LastMessage)
	}
}

// Close stops interrupt delivery and closes the device.
func (s *Server) Close() error {
	s.stack.Close()
	return s.stack.Device.Close()
}
