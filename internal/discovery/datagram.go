// Package discovery lets slaves advertise themselves to masters over UDP.
package discovery

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	magic   = "GBPU"
	version = 1
	macSize = blake2b.Size256

	// maxDatagram keeps announcements well inside one UDP packet.
	maxDatagram = 1024
)

var (
	ErrNotAnnouncement = errors.New("discovery: not an announcement")
	ErrBadMAC          = errors.New("discovery: authentication failed")
)

// Announcement is what a slave broadcasts while it waits for a master.
type Announcement struct {
	Address string // empty means "use the datagram's source address"
	Port    uint16
	Label   string
	NodeID  uuid.UUID
}

// Encode packs a into a datagram, appending a keyed MAC when key is set.
func Encode(a Announcement, key []byte) ([]byte, error) {
	if len(a.Address) > 255 || len(a.Label) > 255 {
		return nil, fmt.Errorf("discovery: address or label too long")
	}
	var buf bytes.Buffer
	buf.WriteString(magic)
	_ = binary.Write(&buf, binary.BigEndian, uint32(version))
	_ = binary.Write(&buf, binary.BigEndian, a.Port)
	writeString(&buf, a.Address)
	writeString(&buf, a.Label)
	buf.Write(a.NodeID[:])
	if len(key) > 0 {
		mac, err := sign(key, buf.Bytes())
		if err != nil {
			return nil, err
		}
		buf.Write(mac)
	}
	return buf.Bytes(), nil
}

// Decode is the mirror of Encode. With a key set, unsigned or wrongly
// signed datagrams are rejected.
func Decode(b []byte, key []byte) (Announcement, error) {
	var a Announcement
	if len(b) < len(magic) || string(b[:len(magic)]) != magic {
		return a, ErrNotAnnouncement
	}
	if len(key) > 0 {
		if len(b) < macSize {
			return a, ErrBadMAC
		}
		body, mac := b[:len(b)-macSize], b[len(b)-macSize:]
		want, err := sign(key, body)
		if err != nil {
			return a, err
		}
		if subtle.ConstantTimeCompare(mac, want) != 1 {
			return a, ErrBadMAC
		}
		b = body
	}
	r := bytes.NewReader(b[len(magic):])
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return a, ErrNotAnnouncement
	}
	if v != version {
		return a, fmt.Errorf("%w: version %d", ErrNotAnnouncement, v)
	}
	if err := binary.Read(r, binary.BigEndian, &a.Port); err != nil {
		return a, ErrNotAnnouncement
	}
	var err error
	if a.Address, err = readString(r); err != nil {
		return a, err
	}
	if a.Label, err = readString(r); err != nil {
		return a, err
	}
	if _, err := io.ReadFull(r, a.NodeID[:]); err != nil {
		return a, ErrNotAnnouncement
	}
	if r.Len() != 0 {
		return a, fmt.Errorf("%w: %d trailing bytes", ErrNotAnnouncement, r.Len())
	}
	return a, nil
}

func sign(key, body []byte) ([]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, fmt.Errorf("discovery key: %w", err)
	}
	h.Write(body)
	return h.Sum(nil), nil
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", ErrNotAnnouncement
	}
	if int(n) > r.Len() {
		return "", ErrNotAnnouncement
	}
	s := make([]byte, n)
	_, _ = r.Read(s)
	return string(s), nil
}
