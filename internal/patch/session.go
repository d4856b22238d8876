//go:build windows
// +build windows

// Package patch implements the live-patching scaffolding Install/Remove
// share (spec §4.9): elevate page permission over the overwrite region,
// raise the calling thread's priority, pause every other thread in the
// process, rewrite any paused thread's instruction pointer that lands
// inside the moved window, write the patch, then unwind every scope in
// reverse. Session is the Go rendition of spec §9's "scoped acquisitions"
// pattern — acquired by Begin, released by End, with every step
// guaranteed to run via defer even if a later step fails.
package patch

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/nilstride/funchook/internal/hookerr"
	"github.com/nilstride/funchook/internal/winmem"
	"github.com/nilstride/funchook/internal/winthread"
)

// Session holds every scoped resource acquired for one patch write.
type Session struct {
	addr         uintptr
	size         uintptr
	oldProt      uint32
	protChanged  bool
	oldPriority  int32
	prioRaised   bool
	paused       *winthread.Paused
	hotpatchable bool
}

// Begin acquires, in order, write permission over [addr, addr+size),
// raised calling-thread priority, and (unless hotpatchable) a pause of
// every other thread in the process. On any failure partway through, the
// scopes already acquired are released before the error is returned.
func Begin(addr, size uintptr, hotpatchable bool) (*Session, error) {
	s := &Session{addr: addr, size: size, hotpatchable: hotpatchable}

	old, err := winmem.Protect(addr, size, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, err
	}
	s.oldProt = old
	s.protChanged = true

	self := windows.CurrentThread()
	if prio, err := windows.GetThreadPriority(self); err == nil {
		s.oldPriority = prio
		if err := windows.SetThreadPriority(self, windows.THREAD_PRIORITY_TIME_CRITICAL); err == nil {
			s.prioRaised = true
		}
	}

	if !hotpatchable {
		paused, err := winthread.PauseOtherThreads()
		if err != nil {
			s.End()
			return nil, err
		}
		s.paused = paused
	}

	return s, nil
}

// RewriteIPs rewrites the instruction pointer of every paused thread
// currently inside [oldBase, oldBase+size) to the corresponding offset
// past newBase (spec §8 "Non-hotpatchable IP safety": T.IP = stub_base +
// (T.IP_before - F)).
func (s *Session) RewriteIPs(oldBase, size, newBase uintptr) error {
	if s.paused == nil {
		return nil
	}
	ips, err := s.paused.IPs()
	if err != nil {
		return err
	}
	for i, ip := range ips {
		if ip >= oldBase && ip < oldBase+size {
			if err := s.paused.SetIPAt(i, newBase+(ip-oldBase)); err != nil {
				return fmt.Errorf("%w: rewriting a suspended thread's IP: %v", hookerr.ErrThreadControlFailure, err)
			}
		}
	}
	return nil
}

// End releases every scope acquired by Begin, in reverse order, and
// reports the first error encountered while still attempting every
// release.
func (s *Session) End() error {
	var first error
	if s.paused != nil {
		if err := s.paused.Release(); err != nil && first == nil {
			first = err
		}
		s.paused = nil
	}
	if s.prioRaised {
		windows.SetThreadPriority(windows.CurrentThread(), s.oldPriority)
		s.prioRaised = false
	}
	if s.protChanged {
		if _, err := winmem.Protect(s.addr, s.size, s.oldProt); err != nil && first == nil {
			first = err
		}
		s.protChanged = false
	}
	return first
}
