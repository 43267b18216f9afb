package trajfile

import (
	"path/filepath"
	"reflect"
	"testing"
)

func sampleFrame(n uint32) Frame {
	return Frame{
		FrameNumber: n,
		TimeNs:      float32(n),
		Agents: []AgentData{
			{
				VisType: 1000, ID: float32(n), TypeID: 0,
				X: float32(n), Y: float32(n), Z: float32(n),
				CollisionRadius: 1.5,
				Subpoints:       []float32{0.1, 0.2, 0.3},
			},
		},
	}
}

func TestWriteFrameRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traj.bin")
	f, err := Create(path, 16)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	frames := make([]Frame, 0, 10)
	for i := uint32(0); i < 10; i++ {
		frame := sampleFrame(i)
		if err := f.WriteFrame(frame); err != nil {
			t.Fatalf("WriteFrame(%d): %v", i, err)
		}
		frames = append(frames, frame)
	}

	count, err := f.NumSavedFrames()
	if err != nil {
		t.Fatalf("NumSavedFrames: %v", err)
	}
	if count != 10 {
		t.Fatalf("expected 10 saved frames, got %d", count)
	}

	for i := uint32(0); i < count; i++ {
		raw, _, err := f.GetBroadcastFrame(i)
		if err != nil {
			t.Fatalf("GetBroadcastFrame(%d): %v", i, err)
		}
		decoded, err := DecodeChunk(raw)
		if err != nil {
			t.Fatalf("DecodeChunk(%d): %v", i, err)
		}
		if !reflect.DeepEqual(decoded, frames[i]) {
			t.Fatalf("frame %d mismatch: got %+v want %+v", i, decoded, frames[i])
		}
	}
}

func TestFramePosConsistency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traj.bin")
	f, err := Create(path, 8)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	for i := uint32(0); i < 5; i++ {
		if err := f.WriteFrame(sampleFrame(i)); err != nil {
			t.Fatalf("WriteFrame(%d): %v", i, err)
		}
	}

	count, _ := f.NumSavedFrames()
	for i := uint32(0); i < count; i++ {
		pos, err := f.FramePos(i)
		if err != nil {
			t.Fatalf("FramePos(%d): %v", i, err)
		}
		if pos < uint64(f.EndOfTOC()) {
			t.Fatalf("frame %d position %d before end of TOC %d", i, pos, f.EndOfTOC())
		}
		if i+1 < count {
			next, err := f.FramePos(i + 1)
			if err != nil {
				t.Fatalf("FramePos(%d): %v", i+1, err)
			}
			if next <= pos {
				t.Fatalf("frame positions not strictly increasing: %d then %d", pos, next)
			}
		}
	}

	if _, err := f.FramePos(count); err != ErrFrameNotWritten {
		t.Fatalf("expected ErrFrameNotWritten for unwritten index, got %v", err)
	}
}

func TestGetBroadcastUpdateMonotoneCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traj.bin")
	f, err := Create(path, 32)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	for i := uint32(0); i < 20; i++ {
		if err := f.WriteFrame(sampleFrame(i)); err != nil {
			t.Fatalf("WriteFrame(%d): %v", i, err)
		}
	}

	endPos, err := f.EndOfStreamPos()
	if err != nil {
		t.Fatalf("EndOfStreamPos: %v", err)
	}

	pos := uint64(0)
	var total int
	for {
		buf, newPos, err := f.GetBroadcastUpdate(pos, 37)
		if err != nil {
			t.Fatalf("GetBroadcastUpdate: %v", err)
		}
		if newPos < pos {
			t.Fatalf("cursor went backwards: %d -> %d", pos, newPos)
		}
		if len(buf) == 0 {
			break
		}
		total += len(buf)
		pos = newPos
		if pos >= endPos {
			break
		}
	}
	if pos != endPos {
		t.Fatalf("expected cursor to reach end-of-stream %d, got %d", endPos, pos)
	}
}

func TestWriteFrameExceedingCapacityFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traj.bin")
	f, err := Create(path, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	if err := f.WriteFrame(sampleFrame(0)); err != nil {
		t.Fatalf("WriteFrame(0): %v", err)
	}
	if err := f.WriteFrame(sampleFrame(1)); err != ErrTOCCapacityExceeded {
		t.Fatalf("expected ErrTOCCapacityExceeded, got %v", err)
	}
}
