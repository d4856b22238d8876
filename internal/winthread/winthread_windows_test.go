//go:build windows
// +build windows

package winthread

import (
	"testing"

	"golang.org/x/sys/windows"
)

func TestPausedReleaseIsSafeOnEmptySet(t *testing.T) {
	p := &Paused{}
	if err := p.Release(); err != nil {
		t.Fatalf("release on empty set: %v", err)
	}
}

func TestPauseOtherThreadsExcludesCaller(t *testing.T) {
	p, err := PauseOtherThreads()
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	defer p.Release()

	ips, err := p.IPs()
	if err != nil {
		t.Fatalf("ips: %v", err)
	}
	// One IP per paused thread.
	if len(ips) != len(p.handles) {
		t.Errorf("ip count = %d, want %d", len(ips), len(p.handles))
	}
	// The calling thread is never in the paused set. This goroutine can
	// only be running on a thread that is not suspended, so its current
	// thread ID must not appear among the paused handles.
	self := windows.GetCurrentThreadId()
	for _, h := range p.handles {
		if h.tid == self {
			t.Errorf("calling thread %d was paused", self)
		}
	}
}
