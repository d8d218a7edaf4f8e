package wire

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/mormegil-cz/gnubg-sub002/internal/task"
)

func sampleBoard() task.Board {
	var b task.Board
	b[0][5], b[0][7], b[0][12], b[0][23] = 5, 3, 5, 2
	b[1][5], b[1][7], b[1][12], b[1][23] = 5, 3, 5, 2
	return b
}

func sampleTasks() []*task.Task {
	cube := task.CubeInfo{Value: 2, Owner: -1, MatchTo: 7, Score: [2]uint32{3, 4}, Crawford: 1}

	ro := task.New(task.KindRollout)
	ro.ID = 11
	ro.Payload = &task.RolloutPayload{
		Board: sampleBoard(), Cube: cube, Trials: 1296, Truncate: 11, Seed: 0xdeadbeef, Plies: 2, Cubeful: 1,
		Output: [task.NumOutputs]float32{0.51, 0.12, 0.01, 0.1, 0.005, 0.03, -0.02},
		StdDev: [task.NumOutputs]float32{0.001, 0.002},
		Games:  1296,
	}

	ev := task.New(task.KindEval)
	ev.ID = 12
	ev.Payload = &task.EvalPayload{Board: sampleBoard(), Cube: cube, Plies: 3, Output: [task.NumOutputs]float32{0.4, 0.1}}

	an := task.New(task.KindAnalysis)
	an.ID = 13
	an.Payload = &task.AnalysisPayload{
		AnalysisParams: task.AnalysisParams{Board: sampleBoard(), Cube: cube, Dice: [2]uint32{3, 1}, Plies: 2},
		Moves: []task.MoveScore{
			{Move: [8]int32{8, 5, 6, 5, -1}, Output: [task.NumOutputs]float32{0.55}},
			{Move: [8]int32{24, 21, 13, 12, -1}, Output: [task.NumOutputs]float32{0.49}},
		},
	}

	empty := task.New(task.KindAnalysis)
	empty.ID = 14
	return []*task.Task{ro, ev, an, empty}
}

func TestTaskRoundTrip(t *testing.T) {
	for _, in := range sampleTasks() {
		b, err := PackTask(in)
		if err != nil {
			t.Fatalf("pack %s: %v", in, err)
		}
		out, err := UnpackTask(b)
		if err != nil {
			t.Fatalf("unpack %s: %v", in, err)
		}
		if out.OriginID != in.ID {
			t.Errorf("%s: origin id %d, want %d", in.Kind, out.OriginID, in.ID)
		}
		if out.Kind != in.Kind {
			t.Errorf("kind %s, want %s", out.Kind, in.Kind)
		}
		if !reflect.DeepEqual(out.Payload, in.Payload) {
			t.Errorf("%s: payload mismatch\n got  %+v\n want %+v", in.Kind, out.Payload, in.Payload)
		}
		// Re-packing the result yields the same bytes.
		again, err := PackTask(out)
		if err != nil {
			t.Fatalf("repack: %v", err)
		}
		if !bytes.Equal(again, b) {
			t.Errorf("%s: repacked bytes differ", in.Kind)
		}
	}
}

func TestOriginIDSurvivesSecondHop(t *testing.T) {
	in := sampleTasks()[1]
	b, _ := PackTask(in)
	remote, err := UnpackTask(b)
	if err != nil {
		t.Fatal(err)
	}
	remote.ID = 500 // re-materialized on the slave
	remote.Code = task.CodeOK
	b, _ = PackTask(remote)
	back, err := UnpackTask(b)
	if err != nil {
		t.Fatal(err)
	}
	if back.OriginID != in.ID {
		t.Fatalf("origin id %d, want %d", back.OriginID, in.ID)
	}
}

func TestJobRoundTrip(t *testing.T) {
	in := sampleTasks()
	b, err := PackJob(in)
	if err != nil {
		t.Fatal(err)
	}
	if got := Order.Uint32(b); int(got) != len(b) {
		t.Fatalf("job length field %d, buffer %d", got, len(b))
	}
	if got := Order.Uint32(b[4:]); int(got) != len(in) {
		t.Fatalf("task count %d", got)
	}
	out, err := UnpackJob(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d tasks", len(out))
	}
	for i := range in {
		if out[i].OriginID != in[i].ID || !reflect.DeepEqual(out[i].Payload, in[i].Payload) {
			t.Errorf("task %d differs after round trip", i)
		}
	}
}

func TestUnpackJobRejectsCorruptCount(t *testing.T) {
	b, _ := PackJob(sampleTasks()[:1])
	Order.PutUint32(b[4:], 1000)
	if _, err := UnpackJob(b); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestPackRejectsMismatchedPayload(t *testing.T) {
	tk := task.New(task.KindEval)
	tk.Payload = &task.RolloutPayload{}
	if _, err := PackTask(tk); err == nil {
		t.Fatalf("expected error")
	}
	tk = task.New(task.KindEval)
	tk.Kind = task.Kind(9)
	if _, err := PackTask(tk); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestEncoderGrowsByDoubling(t *testing.T) {
	e := newEncoder()
	for i := 0; i < 1000; i++ {
		e.putUint32(uint32(i))
	}
	if len(e.buf) != 4000 {
		t.Fatalf("len %d", len(e.buf))
	}
	if c := cap(e.buf); c != 4096 {
		t.Fatalf("cap %d, want 4096", c)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msgs := []Message{
		GetInfo(),
		InfoReply(Info{Capacity: 8, Mask: task.MaskAll, Units: 4, Label: "box-1"}),
		DoJob(sampleTasks()),
		TaskResult(sampleTasks()[0]),
		Close(CloseShutdown),
	}
	var buf bytes.Buffer
	for _, m := range msgs {
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatalf("write %s: %v", m.Kind, err)
		}
	}
	for _, want := range msgs {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("read %s: %v", want.Kind, err)
		}
		if got.Kind != want.Kind || got.Info != want.Info || got.Reason != want.Reason || len(got.Tasks) != len(want.Tasks) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
	if _, err := ReadMessage(&buf); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadMessageTruncated(t *testing.T) {
	b, err := Encode(DoJob(sampleTasks()))
	if err != nil {
		t.Fatal(err)
	}
	// The declared length promises more than the peer sent before closing.
	_, err = ReadMessage(bytes.NewReader(b[:len(b)-10]))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	_, err = ReadMessage(bytes.NewReader(b[:2]))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated for partial length, got %v", err)
	}
}

func TestReadMessageFrameSize(t *testing.T) {
	var b [12]byte
	Order.PutUint32(b[:], MaxMessageSize+1)
	if _, err := ReadMessage(bytes.NewReader(b[:])); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("expected ErrFrameSize, got %v", err)
	}
	Order.PutUint32(b[:], 3)
	if _, err := ReadMessage(bytes.NewReader(b[:])); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("expected ErrFrameSize for short length, got %v", err)
	}
}

func TestVersionMismatchKeepsStreamAligned(t *testing.T) {
	old, err := encodeVersion(DoJob(sampleTasks()), Version-1)
	if err != nil {
		t.Fatal(err)
	}
	next, _ := Encode(Close(CloseNormal))
	r := bytes.NewReader(append(old, next...))

	if _, err := ReadMessage(r); !errors.Is(err, ErrVersion) {
		t.Fatalf("expected ErrVersion, got %v", err)
	}
	m, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	if m.Kind != KindClose {
		t.Fatalf("got %s after skipped frame", m.Kind)
	}
}

func TestReservedKindsRejected(t *testing.T) {
	for _, k := range []Kind{KindNNUpdate, KindMetaData, Kind(77)} {
		var b [12]byte
		Order.PutUint32(b[0:], 12)
		Order.PutUint32(b[4:], Version)
		Order.PutUint32(b[8:], uint32(k))
		if _, err := Decode(b[:]); !errors.Is(err, ErrUnknownKind) {
			t.Errorf("%s: expected ErrUnknownKind, got %v", k, err)
		}
		if _, err := Encode(Message{Kind: k}); !errors.Is(err, ErrUnknownKind) {
			t.Errorf("%s: encode expected ErrUnknownKind, got %v", k, err)
		}
	}
}

func BenchmarkPackJob(b *testing.B) {
	tasks := sampleTasks()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := PackJob(tasks); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkUnpackJob(b *testing.B) {
	buf, _ := PackJob(sampleTasks())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := UnpackJob(buf); err != nil {
			b.Fatal(err)
		}
	}
}
