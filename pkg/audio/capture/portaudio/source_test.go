package portaudio

import (
	"context"
	"testing"
	"time"

	"github.com/sitespeak/sitespeak/pkg/audio/capture"
)

func TestWatchReleasedByLocalClose(t *testing.T) {
	t.Parallel()

	s := &Source{
		blocks: make(chan capture.Block, 1),
		done:   make(chan struct{}),
	}
	exited := make(chan struct{})
	go func() {
		s.watch(context.Background())
		close(exited)
	}()

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher still running after close")
	}
}

func TestWatchClosesSourceOnCancel(t *testing.T) {
	t.Parallel()

	s := &Source{
		blocks: make(chan capture.Block, 1),
		done:   make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go func() {
		s.watch(ctx)
		close(exited)
	}()

	cancel()

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher ignored cancellation")
	}
	if _, ok := <-s.blocks; ok {
		t.Fatal("block channel still open after cancellation")
	}
}
