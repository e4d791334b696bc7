package engine

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/irqbridge/internal/core"
	"firestige.xyz/irqbridge/internal/memprof"
)

// link is one end of an in-memory datagram path.
type link struct {
	in   chan []byte
	peer *link

	blockSends int
	dropSends  int
	failSend   error
	sent       [][]byte
}

func newLinks() (*link, *link) {
	a := &link{in: make(chan []byte, 64)}
	b := &link{in: make(chan []byte, 64)}
	a.peer, b.peer = b, a
	return a, b
}

func (l *link) Send(p []byte) core.Result {
	if l.failSend != nil {
		return core.Fail(core.KindConnReset, l.failSend)
	}
	if l.blockSends > 0 {
		l.blockSends--
		return core.WouldBlock()
	}
	d := append([]byte(nil), p...)
	l.sent = append(l.sent, d)
	if l.dropSends > 0 {
		l.dropSends--
		return core.Data(len(p))
	}
	l.peer.in <- d
	return core.Data(len(p))
}

func (l *link) Receive(p []byte) core.Result {
	select {
	case d := <-l.in:
		return core.Data(copy(p, d))
	default:
		return core.WouldBlock()
	}
}

// inject delivers a raw datagram to l.
func (l *link) inject(d []byte) { l.in <- append([]byte(nil), d...) }

type fakeTimer struct{ s uint32 }

func (f *fakeTimer) Seconds() uint32 { return f.s }

type pair struct {
	client, server         *Conn
	clientLink, serverLink *link
	timer                  *fakeTimer
}

func newPair(t *testing.T, clientCfg Config) *pair {
	t.Helper()
	cl, sl := newLinks()
	timer := &fakeTimer{}
	clientCfg.Role = RoleClient
	clientCfg.Timer = timer
	if clientCfg.RetransmitTimeout == 0 {
		clientCfg.RetransmitTimeout = time.Second
	}
	client, err := New(cl, clientCfg)
	require.NoError(t, err)
	server, err := New(sl, Config{Role: RoleServer, Timer: timer})
	require.NoError(t, err)
	return &pair{client: client, server: server, clientLink: cl, serverLink: sl, timer: timer}
}

// drive runs both handshakes until they settle.
func (p *pair) drive(t *testing.T) {
	t.Helper()
	for i := 0; i < 16; i++ {
		cerr := p.client.Handshake()
		serr := p.server.Handshake()
		if cerr == nil && serr == nil {
			return
		}
		if cerr != nil && !isWant(cerr) {
			t.Fatalf("client handshake: %v", cerr)
		}
		if serr != nil && !isWant(serr) {
			t.Fatalf("server handshake: %v", serr)
		}
	}
	t.Fatal("handshake did not complete")
}

func isWant(err error) bool {
	return errors.Is(err, ErrWantRead) || errors.Is(err, ErrWantWrite)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{Timer: &fakeTimer{}})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	a, _ := newLinks()
	_, err = New(a, Config{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(a, Config{Timer: &fakeTimer{}, Alloc: memprof.New(memprof.WithLimit(100))})
	assert.ErrorIs(t, err, core.ErrAllocation)
}

func TestHandshakeAndData(t *testing.T) {
	p := newPair(t, Config{})

	assert.ErrorIs(t, p.client.Handshake(), ErrWantRead)
	assert.False(t, p.client.Established())
	p.drive(t)
	assert.True(t, p.client.Established())
	assert.True(t, p.server.Established())

	n, err := p.client.Write([]byte("client data"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 64)
	n, err = p.server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "client data", string(buf[:n]))

	_, err = p.server.Read(buf)
	assert.ErrorIs(t, err, ErrWantRead)

	_, err = p.server.Write([]byte("server data"))
	require.NoError(t, err)
	n, err = p.client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "server data", string(buf[:n]))
}

func TestRecordsAreEncrypted(t *testing.T) {
	p := newPair(t, Config{})
	p.drive(t)

	secret := []byte("plaintext marker")
	_, err := p.client.Write(secret)
	require.NoError(t, err)

	last := p.clientLink.sent[len(p.clientLink.sent)-1]
	assert.Equal(t, typeData, last[0])
	assert.NotContains(t, string(last), string(secret))
	assert.Len(t, last, recordHeaderSize+len(secret)+16)
}

func TestShortRead(t *testing.T) {
	p := newPair(t, Config{})
	p.drive(t)

	_, err := p.client.Write([]byte("abcdefgh"))
	require.NoError(t, err)

	small := make([]byte, 3)
	var got []byte
	for i := 0; i < 3; i++ {
		n, err := p.server.Read(small)
		require.NoError(t, err)
		got = append(got, small[:n]...)
	}
	assert.Equal(t, "abcdefgh", string(got))
}

func TestClientRetransmitsHello(t *testing.T) {
	p := newPair(t, Config{})
	p.clientLink.dropSends = 1

	assert.ErrorIs(t, p.client.Handshake(), ErrWantRead)
	assert.ErrorIs(t, p.server.Handshake(), ErrWantRead)

	// nothing happens before the timeout
	assert.ErrorIs(t, p.client.Handshake(), ErrWantRead)
	assert.Equal(t, 0, p.client.Retransmits())

	p.timer.s++
	assert.ErrorIs(t, p.client.Handshake(), ErrWantRead)
	assert.Equal(t, 1, p.client.Retransmits())
	p.drive(t)
}

func TestServerReplaysHelloOnDuplicate(t *testing.T) {
	p := newPair(t, Config{})
	p.serverLink.dropSends = 1

	assert.ErrorIs(t, p.client.Handshake(), ErrWantRead)
	require.NoError(t, p.server.Handshake())
	assert.True(t, p.server.Established())

	p.timer.s += 2
	assert.ErrorIs(t, p.client.Handshake(), ErrWantRead)

	buf := make([]byte, 64)
	_, err := p.server.Read(buf)
	assert.ErrorIs(t, err, ErrWantWrite)
	require.NoError(t, p.server.Handshake())
	require.Len(t, p.serverLink.sent, 2)
	assert.Equal(t, p.serverLink.sent[0], p.serverLink.sent[1], "replayed hello is identical")

	require.NoError(t, p.client.Handshake())

	_, err = p.client.Write([]byte("after replay"))
	require.NoError(t, err)
	n, err := p.server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "after replay", string(buf[:n]))
}

func TestWriteWouldBlockKeepsRecord(t *testing.T) {
	p := newPair(t, Config{})
	p.drive(t)

	p.clientLink.blockSends = 2
	for i := 0; i < 2; i++ {
		n, err := p.client.Write([]byte("queued"))
		assert.ErrorIs(t, err, ErrWantWrite)
		assert.Zero(t, n)
	}
	n, err := p.client.Write([]byte("queued"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	buf := make([]byte, 64)
	n, err = p.server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "queued", string(buf[:n]))
	_, err = p.server.Read(buf)
	assert.ErrorIs(t, err, ErrWantRead, "exactly one record sent")
}

func TestTamperedAndReplayedRecordsDropped(t *testing.T) {
	p := newPair(t, Config{})
	p.drive(t)

	_, err := p.client.Write([]byte("one"))
	require.NoError(t, err)
	rec := p.clientLink.sent[len(p.clientLink.sent)-1]

	buf := make([]byte, 64)
	_, err = p.server.Read(buf)
	require.NoError(t, err)

	// replay of an accepted record
	p.serverLink.inject(rec)
	_, err = p.server.Read(buf)
	assert.ErrorIs(t, err, ErrWantRead)

	// flipped ciphertext bit
	_, err = p.client.Write([]byte("two"))
	require.NoError(t, err)
	<-p.serverLink.in
	bad := append([]byte(nil), p.clientLink.sent[len(p.clientLink.sent)-1]...)
	bad[len(bad)-1] ^= 0x01
	p.serverLink.inject(bad)
	_, err = p.server.Read(buf)
	assert.ErrorIs(t, err, ErrWantRead)
}

func TestClose(t *testing.T) {
	p := newPair(t, Config{})
	p.drive(t)

	p.clientLink.blockSends = 1
	assert.ErrorIs(t, p.client.Close(), ErrWantWrite)
	require.NoError(t, p.client.Close())

	buf := make([]byte, 8)
	_, err := p.server.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	_, err = p.server.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteErrors(t *testing.T) {
	p := newPair(t, Config{})

	_, err := p.client.Write([]byte("early"))
	assert.ErrorIs(t, err, ErrNotEstablished)

	p.drive(t)
	_, err = p.client.Write(make([]byte, MaxPlaintext+1))
	assert.ErrorIs(t, err, ErrRecordTooLarge)

	n, err := p.client.Write(make([]byte, MaxPlaintext))
	require.NoError(t, err)
	assert.Equal(t, MaxPlaintext, n)
	assert.Len(t, p.clientLink.sent[len(p.clientLink.sent)-1], MaxRecordSize)
}

func TestTransportFailureIsFatal(t *testing.T) {
	p := newPair(t, Config{})
	boom := errors.New("link down")
	p.clientLink.failSend = boom

	err := p.client.Handshake()
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, p.client.Handshake(), boom)
	_, err = p.client.Write([]byte("x"))
	assert.ErrorIs(t, err, boom)
}

func TestForeignServerHelloIgnored(t *testing.T) {
	p := newPair(t, Config{})
	assert.ErrorIs(t, p.client.Handshake(), ErrWantRead)

	// a reply to some other client's hello
	other, _ := newLinks()
	stranger, err := New(other, Config{Role: RoleClient, Timer: p.timer})
	require.NoError(t, err)
	require.ErrorIs(t, stranger.Handshake(), ErrWantRead)
	strangerHello := other.sent[0]
	<-other.peer.in

	<-p.serverLink.in
	p.serverLink.inject(strangerHello)
	require.NoError(t, p.server.Handshake())
	foreign := <-p.clientLink.in
	p.clientLink.inject(foreign)

	assert.ErrorIs(t, p.client.Handshake(), ErrWantRead)
	assert.False(t, p.client.Established())
}

func TestAllocationsTracked(t *testing.T) {
	tracker := memprof.New()
	var verifyStarts, verifyEnds int
	p := newPair(t, Config{
		Alloc: tracker,
		Hooks: Hooks{
			VerifyStart: func() { verifyStarts++ },
			VerifyEnd:   func() { verifyEnds++ },
		},
	})
	assert.Equal(t, 2*MaxRecordSize, tracker.Current())

	p.drive(t)
	assert.Equal(t, 1, verifyStarts)
	assert.Equal(t, 1, verifyEnds)
	assert.Greater(t, tracker.Peak(), 2*MaxRecordSize)
	assert.Equal(t, 2*MaxRecordSize, tracker.Current(), "handshake scratch released")

	p.client.Free()
	assert.Zero(t, tracker.Current())
	assert.Zero(t, tracker.Stats().Live)
}
