package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/mormegil-cz/gnubg-sub002/internal/task"
)

// Version is the protocol version written into every message.
const Version uint32 = 3

const (
	// headerSize is totalLen + version + kind.
	headerSize = 12

	// MaxMessageSize bounds a frame; anything larger is treated as a
	// corrupted length field.
	MaxMessageSize = 16 << 20
)

// Kind tags the payload of a message.
type Kind uint32

const (
	KindGetInfo Kind = iota
	KindInfo
	KindDoJob
	KindTaskResult
	KindClose
	KindNNUpdate // reserved for neural net transfer
	KindMetaData // reserved for meta data transfer
)

func (k Kind) String() string {
	switch k {
	case KindGetInfo:
		return "GetInfo"
	case KindInfo:
		return "Info"
	case KindDoJob:
		return "DoJob"
	case KindTaskResult:
		return "TaskResult"
	case KindClose:
		return "Close"
	case KindNNUpdate:
		return "NNUpdate"
	case KindMetaData:
		return "MetaData"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// Info describes a slave host: the sum of its units' capacities, the union
// of their capability masks, and how many units it runs.
type Info struct {
	Capacity uint32
	Mask     task.Mask
	Units    uint32
	Label    string
}

// CloseReason says why a peer is closing.
type CloseReason uint32

const (
	CloseNormal CloseReason = iota
	CloseShutdown
	CloseError
)

// Message is the outer envelope. Which fields are meaningful depends on
// Kind: Info for KindInfo, Tasks for KindDoJob, Tasks[0] for
// KindTaskResult, Reason for KindClose.
type Message struct {
	Kind   Kind
	Info   Info
	Tasks  []*task.Task
	Reason CloseReason
}

func GetInfo() Message                 { return Message{Kind: KindGetInfo} }
func InfoReply(info Info) Message      { return Message{Kind: KindInfo, Info: info} }
func DoJob(tasks []*task.Task) Message { return Message{Kind: KindDoJob, Tasks: tasks} }
func Close(r CloseReason) Message      { return Message{Kind: KindClose, Reason: r} }

func TaskResult(t *task.Task) Message {
	return Message{Kind: KindTaskResult, Tasks: []*task.Task{t}}
}

// Result returns the task carried by a TaskResult message.
func (m Message) Result() *task.Task {
	if len(m.Tasks) == 0 {
		return nil
	}
	return m.Tasks[0]
}

// Encode packs m into one frame.
func Encode(m Message) ([]byte, error) {
	return encodeVersion(m, Version)
}

func encodeVersion(m Message, version uint32) ([]byte, error) {
	e := newEncoder()
	off := e.reserve()
	e.putUint32(version)
	e.putUint32(uint32(m.Kind))

	switch m.Kind {
	case KindGetInfo:
	case KindInfo:
		e.putUint32(m.Info.Capacity)
		e.putUint32(uint32(m.Info.Mask))
		e.putUint32(m.Info.Units)
		e.putBytes([]byte(m.Info.Label))
	case KindDoJob:
		if err := packJob(e, m.Tasks); err != nil {
			return nil, err
		}
	case KindTaskResult:
		if len(m.Tasks) != 1 {
			return nil, fmt.Errorf("encode TaskResult: carries %d tasks, want 1", len(m.Tasks))
		}
		if err := packTask(e, m.Tasks[0]); err != nil {
			return nil, err
		}
	case KindClose:
		e.putUint32(uint32(m.Reason))
	default:
		return nil, fmt.Errorf("encode: %w %s", ErrUnknownKind, m.Kind)
	}
	e.patchLen(off)
	if len(e.buf) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes", ErrFrameSize, len(e.buf))
	}
	return e.buf, nil
}

// WriteMessage encodes m and writes the whole frame to w.
func WriteMessage(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write %s: %w", m.Kind, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. io.EOF is returned only when
// the stream ends cleanly before a new frame starts.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	total := Order.Uint32(lenBuf[:])
	if total < headerSize || total > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameSize, total)
	}
	frame := make([]byte, total)
	copy(frame, lenBuf[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: declared %d bytes", ErrTruncated, total)
		}
		return nil, err
	}
	return frame, nil
}

// ReadMessage reads and decodes one message. A frame with a foreign
// version is consumed whole and reported as ErrVersion, so the stream stays
// aligned on the next frame.
func ReadMessage(r io.Reader) (Message, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return Decode(frame)
}

// Decode is the mirror of Encode.
func Decode(frame []byte) (Message, error) {
	d := newDecoder(frame)
	total, err := d.uint32()
	if err != nil {
		return Message{}, err
	}
	if int(total) != len(frame) || total < headerSize {
		return Message{}, fmt.Errorf("%w: declared %d, have %d", ErrFrameSize, total, len(frame))
	}
	version, _ := d.uint32()
	if version != Version {
		return Message{}, fmt.Errorf("%w: got %d, want %d", ErrVersion, version, Version)
	}
	rawKind, _ := d.uint32()
	m := Message{Kind: Kind(rawKind)}

	switch m.Kind {
	case KindGetInfo:
	case KindInfo:
		if m.Info, err = decodeInfo(d); err != nil {
			return Message{}, err
		}
	case KindDoJob:
		if m.Tasks, err = unpackJob(d); err != nil {
			return Message{}, err
		}
	case KindTaskResult:
		t, err := unpackTask(d)
		if err != nil {
			return Message{}, err
		}
		m.Tasks = []*task.Task{t}
	case KindClose:
		r, err := d.uint32()
		if err != nil {
			return Message{}, err
		}
		m.Reason = CloseReason(r)
	default:
		return Message{}, fmt.Errorf("%w message %s", ErrUnknownKind, m.Kind)
	}
	if d.remaining() != 0 {
		return Message{}, fmt.Errorf("%w: %d trailing bytes in %s", ErrMalformed, d.remaining(), m.Kind)
	}
	return m, nil
}

func decodeInfo(d *decoder) (Info, error) {
	var info Info
	var err error
	if info.Capacity, err = d.uint32(); err != nil {
		return info, err
	}
	mask, err := d.uint32()
	if err != nil {
		return info, err
	}
	info.Mask = task.Mask(mask)
	if info.Units, err = d.uint32(); err != nil {
		return info, err
	}
	label, err := d.bytes()
	if err != nil {
		return info, err
	}
	info.Label = string(label)
	return info, nil
}
