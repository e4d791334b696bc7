package engine

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Record types.
const (
	typeClientHello byte = 0x01
	typeServerHello byte = 0x02
	typeAlert       byte = 0x15
	typeData        byte = 0x17
)

const (
	protocolVersion = 1

	randomSize  = 32
	keyShareLen = 32

	// hello: type | version | random | key share
	helloSize = 2 + randomSize + keyShareLen
	// sealed record header: type | sequence
	recordHeaderSize = 1 + 8

	// MaxRecordSize bounds one datagram.
	MaxRecordSize = 1472
	// MaxPlaintext is the largest payload accepted by Write.
	MaxPlaintext = MaxRecordSize - recordHeaderSize - chacha20poly1305.Overhead

	keyInfo     = "irqbridge v1 traffic keys"
	confirmText = "server finished"
)

var errMalformed = errors.New("malformed record")

// hello is a parsed client or server hello.
type hello struct {
	typ      byte
	random   []byte
	keyShare []byte
	// confirm is the sealed server-finished record, server hello only
	confirm []byte
}

func appendHello(dst []byte, typ byte, random, keyShare []byte) []byte {
	dst = append(dst, typ, protocolVersion)
	dst = append(dst, random...)
	return append(dst, keyShare...)
}

func parseHello(b []byte) (hello, error) {
	if len(b) < helloSize {
		return hello{}, fmt.Errorf("%w: hello of %d bytes", errMalformed, len(b))
	}
	if b[1] != protocolVersion {
		return hello{}, fmt.Errorf("%w: unsupported version %d", errMalformed, b[1])
	}
	h := hello{
		typ:      b[0],
		random:   b[2 : 2+randomSize],
		keyShare: b[2+randomSize : helloSize],
	}
	if h.typ == typeServerHello {
		h.confirm = b[helloSize:]
	}
	return h, nil
}

// trafficKeys are the per-direction AEAD states of an established session.
type trafficKeys struct {
	clientWrite cipher.AEAD
	serverWrite cipher.AEAD
	clientIV    [chacha20poly1305.NonceSize]byte
	serverIV    [chacha20poly1305.NonceSize]byte
}

// deriveKeys expands the shared secret into both directions' key and IV.
// scratch must hold at least 2*(KeySize+NonceSize) bytes.
func deriveKeys(shared, clientRandom, serverRandom, scratch []byte) (*trafficKeys, error) {
	const keyLen = chacha20poly1305.KeySize
	const ivLen = chacha20poly1305.NonceSize
	need := 2 * (keyLen + ivLen)
	if len(scratch) < need {
		return nil, fmt.Errorf("key scratch of %d bytes, need %d", len(scratch), need)
	}
	salt := make([]byte, 0, 2*randomSize)
	salt = append(salt, clientRandom...)
	salt = append(salt, serverRandom...)

	material := scratch[:need]
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(keyInfo)), material); err != nil {
		return nil, err
	}
	defer clear(material)

	k := &trafficKeys{}
	var err error
	if k.clientWrite, err = chacha20poly1305.New(material[:keyLen]); err != nil {
		return nil, err
	}
	if k.serverWrite, err = chacha20poly1305.New(material[keyLen : 2*keyLen]); err != nil {
		return nil, err
	}
	copy(k.clientIV[:], material[2*keyLen:2*keyLen+ivLen])
	copy(k.serverIV[:], material[2*keyLen+ivLen:])
	return k, nil
}

func nonce(iv [chacha20poly1305.NonceSize]byte, seq uint64) []byte {
	n := iv
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := range s {
		n[len(n)-8+i] ^= s[i]
	}
	return n[:]
}

// seal appends a sealed record to dst.
func seal(dst []byte, aead cipher.AEAD, iv [chacha20poly1305.NonceSize]byte, typ byte, seq uint64, plaintext []byte) []byte {
	start := len(dst)
	dst = append(dst, typ)
	dst = binary.BigEndian.AppendUint64(dst, seq)
	header := dst[start:]
	return aead.Seal(dst, nonce(iv, seq), plaintext, header)
}

// open authenticates a sealed record in place and returns its type,
// sequence number and plaintext.
func open(aead cipher.AEAD, iv [chacha20poly1305.NonceSize]byte, rec []byte) (byte, uint64, []byte, error) {
	if len(rec) < recordHeaderSize+aead.Overhead() {
		return 0, 0, nil, fmt.Errorf("%w: record of %d bytes", errMalformed, len(rec))
	}
	header := rec[:recordHeaderSize]
	seq := binary.BigEndian.Uint64(header[1:])
	pt, err := aead.Open(rec[recordHeaderSize:recordHeaderSize], nonce(iv, seq), rec[recordHeaderSize:], header)
	if err != nil {
		return 0, 0, nil, err
	}
	return header[0], seq, pt, nil
}
