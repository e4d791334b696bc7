// Package client runs the secure-transport client over the interrupt bridge:
// bring-up, handshake, throughput test and the final report.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/irqbridge/internal/bridge"
	"firestige.xyz/irqbridge/internal/clock"
	"firestige.xyz/irqbridge/internal/config"
	"firestige.xyz/irqbridge/internal/core"
	"firestige.xyz/irqbridge/internal/device"
	"firestige.xyz/irqbridge/internal/engine"
	"firestige.xyz/irqbridge/internal/memprof"
	"firestige.xyz/irqbridge/internal/metrics"
	"firestige.xyz/irqbridge/internal/ring"
)

// Client is one run of the bridge client.
type Client struct {
	cfg   *config.Config
	peer  core.Endpoint
	stack *bridge.Stack
	rec   *metrics.Recorder
	clock *clock.Clock
	heap  *memprof.Tracker
	conn  *engine.Conn
	out   io.Writer
	runID string
}

type options struct {
	clock *clock.Clock
	out   io.Writer
	reg   prometheus.Registerer
}

// Option configures a Client.
type Option func(*options)

// WithOutput sets where console messages and the report go.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithClock replaces the host cycle counter.
func WithClock(clk *clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithRegisterer exports ring and device counters on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// New wires the client on dev. The device must not be armed yet.
func New(cfg *config.Config, dev device.Device, opts ...Option) (*Client, error) {
	node, err := cfg.Node.Endpoint()
	if err != nil {
		return nil, err
	}
	peer, err := cfg.Peer.Endpoint()
	if err != nil {
		return nil, err
	}
	if u, ok := dev.(*device.UDP); ok {
		node.Port = u.LocalPort()
	}

	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New(clock.NewHostCounter(cfg.Clock.FrequencyHz), cfg.Clock.FrequencyHz)
	}

	c := &Client{
		cfg:   cfg,
		peer:  peer,
		clock: o.clock,
		heap:  memprof.New(),
		out:   o.out,
		runID: uuid.NewString(),
	}
	c.rec = metrics.NewRecorder(c.clock)

	rc := ring.Config{Slots: cfg.Ring.Slots, SlotSize: cfg.Ring.SlotSize, Peer: peer, LocalPort: node.Port}
	ac := bridge.Config{SrcPort: node.Port, DstPort: peer.Port, FlushOnSend: cfg.Flow.FlushOnSend}
	c.stack, err = bridge.NewStack(dev, rc, ac, c.rec)
	if err != nil {
		return nil, err
	}
	if o.reg != nil {
		metrics.RegisterRing(o.reg, c.stack.Ring)
		metrics.RegisterDevice(o.reg, dev)
	}

	c.conn, err = engine.New(c.stack.Adapter, engine.Config{
		Role:              engine.RoleClient,
		RetransmitTimeout: cfg.Engine.RetransmitTimeout,
		Timer:             c.clock,
		Alloc:             c.heap,
		Hooks: engine.Hooks{
			VerifyStart: c.rec.BeginVerify,
			VerifyEnd:   c.rec.EndVerify,
		},
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RunID identifies this run in logs and the report.
func (c *Client) RunID() string { return c.runID }

// Stack exposes the interrupt plumbing.
func (c *Client) Stack() *bridge.Stack { return c.stack }

// BringUp resolves the peer with the device polled, then arms interrupts.
func (c *Client) BringUp(ctx context.Context) error {
	c.printf("Resolving peer %s (polling)...\n", c.peer.Addr)
	if err := c.resolve(ctx); err != nil {
		c.printf("ERROR: address resolution failed.\n")
		return err
	}
	if err := c.stack.Arm(ctx); err != nil {
		return err
	}
	c.printf("Interrupts fully enabled.\n")
	slog.Info("interrupts armed", "component", "client", "run_id", c.runID, "peer", c.peer.String())
	return nil
}

func (c *Client) resolve(ctx context.Context) error {
	dev := c.stack.Device
	if err := c.stack.Resolve(c.peer); err != nil && !errors.Is(err, core.ErrTxUnavailable) {
		return fmt.Errorf("%w: %v", core.ErrAddressResolution, err)
	}

	retries := c.cfg.Device.ARPRetries
	if retries <= 0 {
		retries = 1
	}
	timeout := c.cfg.Device.ARPTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	interval := timeout / time.Duration(retries)
	deadline := time.Now().Add(timeout)

	for i := 0; i < retries; i++ {
		c.stack.Poll()
		if dev.Resolved(c.peer.Addr) {
			slog.Debug("peer resolved", "component", "client", "peer", c.peer.Addr.String(), "polls", i+1)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			break
		}
		// re-request periodically in case the first request was lost
		if i > 0 && i%100 == 0 {
			_ = c.stack.Resolve(c.peer)
		}
		time.Sleep(interval)
	}
	if dev.Resolved(c.peer.Addr) {
		return nil
	}
	return fmt.Errorf("%w: no reply from %s", core.ErrAddressResolution, c.peer.Addr)
}

// Run performs the handshake, the completion message, the throughput test
// and the final message, then renders the report.
func (c *Client) Run(ctx context.Context) (metrics.Report, error) {
	if !c.stack.Armed() {
		return metrics.Report{}, core.ErrInterruptsDisarmed
	}
	log := slog.With("component", "client", "run_id", c.runID)

	c.rec.Start()
	c.printf("Starting handshake...\n")
	// stale packets must not reach the engine
	c.stack.Ring.Reset()

	c.rec.BeginHandshake()
	if err := c.handshake(ctx); err != nil {
		c.rec.EndHandshake()
		log.Error("handshake failed", "error", err)
		return metrics.Report{}, err
	}
	c.rec.EndHandshake()
	heap := c.heap.Stats()
	c.printf("=======================================\n")
	c.printf("HANDSHAKE COMPLETED!\n\n")
	log.Info("handshake completed", "retransmits", c.conn.Retransmits())

	if msg := c.cfg.Engine.CompletionMessage; msg != "" {
		if err := c.write(ctx, []byte(msg)); err != nil {
			return metrics.Report{}, err
		}
		c.printf("MSG sent: %s", msg)
	}
	c.rec.Finish()

	if c.cfg.Throughput.Enabled {
		c.printf("Starting throughput test...\n")
		if err := c.throughput(ctx); err != nil {
			log.Warn("throughput test aborted", "error", err)
			c.printf("[THROUGHPUT FAIL] %v\n", err)
		}
		if msg := c.cfg.Throughput.FinalMessage; msg != "" {
			if err := c.write(ctx, []byte(msg)); err != nil {
				log.Warn("final message not sent", "error", err)
			}
		}
	}
	c.closeSession(ctx)

	report := metrics.Derive(c.rec.Snapshot())
	report.RunID = c.runID
	report.Heap = heap
	report.Ring = c.stack.Ring.Stats()
	if err := metrics.Render(c.out, report); err != nil {
		return report, fmt.Errorf("failed to write report: %w", err)
	}
	return report, nil
}

func (c *Client) handshake(ctx context.Context) error {
	var deadline time.Time
	if t := c.cfg.Engine.HandshakeTimeout; t > 0 {
		deadline = time.Now().Add(t)
	}
	for {
		err := c.conn.Handshake()
		if err == nil {
			return nil
		}
		if !errors.Is(err, engine.ErrWantRead) && !errors.Is(err, engine.ErrWantWrite) {
			return fmt.Errorf("%w: %v", core.ErrHandshakeFailed, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w: timed out after %s", core.ErrHandshakeFailed, c.cfg.Engine.HandshakeTimeout)
		}
		runtime.Gosched()
	}
}

// write retries p until the engine accepts it.
func (c *Client) write(ctx context.Context, p []byte) error {
	for {
		n, err := c.conn.Write(p)
		if err == nil {
			if c.rec.Phase() == core.PhaseBulk {
				c.rec.RecordPayload(n)
			}
			return nil
		}
		if !errors.Is(err, engine.ErrWantWrite) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		runtime.Gosched()
	}
}

func (c *Client) throughput(ctx context.Context) error {
	total, chunk := c.cfg.Throughput.TotalBytes, c.cfg.Throughput.ChunkSize
	buf := bytes.Repeat([]byte{'A'}, chunk)

	c.rec.BeginBulk()
	defer c.rec.EndBulk()
	for remaining := total; remaining > 0; {
		n := min(remaining, chunk)
		if err := c.write(ctx, buf[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// closeSession sends the close alert, giving up after a short while.
func (c *Client) closeSession(ctx context.Context) {
	deadline := time.Now().Add(c.cfg.Engine.RetransmitTimeout)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if err := c.conn.Close(); !errors.Is(err, engine.ErrWantWrite) {
			return
		}
		runtime.Gosched()
	}
}

// Close stops interrupt delivery, releases the session and closes the device.
func (c *Client) Close() error {
	c.stack.Close()
	c.conn.Free()
	return c.stack.Device.Close()
}

func (c *Client) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}
