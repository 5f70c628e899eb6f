package portaudio

import "testing"

func TestStageCarriesPartialBufferAcrossWrites(t *testing.T) {
	t.Parallel()

	s := &Sink{buf: make([]int16, 8)}

	rest, full := s.stage([]int16{1, 2, 3})
	if full || len(rest) != 0 {
		t.Fatalf("stage = rest %v full %v, want partial fill", rest, full)
	}
	if s.fill != 3 {
		t.Fatalf("fill = %d, want 3", s.fill)
	}

	// The next write completes the buffer instead of padding it.
	rest, full = s.stage([]int16{4, 5, 6, 7, 8, 9, 10})
	if !full {
		t.Fatal("buffer should be full")
	}
	if len(rest) != 2 || rest[0] != 9 || rest[1] != 10 {
		t.Fatalf("rest = %v, want [9 10]", rest)
	}
	for i, want := range []int16{1, 2, 3, 4, 5, 6, 7, 8} {
		if s.buf[i] != want {
			t.Fatalf("buf = %v, want gapless 1..8", s.buf)
		}
	}

	s.fill = 0
	rest, full = s.stage(rest)
	if full || len(rest) != 0 || s.fill != 2 {
		t.Fatalf("stage(rest) = rest %v full %v fill %d", rest, full, s.fill)
	}
}

func TestPadTailZeroesRemainderOnly(t *testing.T) {
	t.Parallel()

	s := &Sink{buf: []int16{1, 2, 3, 4}, fill: 2}
	s.padTail()

	if s.buf[0] != 1 || s.buf[1] != 2 {
		t.Fatalf("buf = %v, staged samples clobbered", s.buf)
	}
	if s.buf[2] != 0 || s.buf[3] != 0 {
		t.Fatalf("buf = %v, tail not silenced", s.buf)
	}
	if s.fill != len(s.buf) {
		t.Fatalf("fill = %d, want %d", s.fill, len(s.buf))
	}
}
