//go:build windows
// +build windows

// Package winthread implements the thread-control collaborator the
// installer needs (spec §4.9, §4.12): enumerate every other thread in the
// process, suspend/resume them, and read/write a suspended thread's
// instruction pointer. PauseOtherThreads is the Go rendition of the
// scoped "all other threads paused" region spec §9 calls for — acquired
// with a function call, released through the Release method of the
// *Paused it returns, since Go has no RAII destructors to lean on.
package winthread

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/nilstride/funchook/internal/hookerr"
)

// ThreadIDs returns every thread ID in the current process other than
// excludeTID (normally the calling thread's own ID).
func ThreadIDs(excludeTID uint32) ([]uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: CreateToolhelp32Snapshot: %v", hookerr.ErrThreadControlFailure, err)
	}
	defer windows.CloseHandle(snap)

	pid := windows.GetCurrentProcessId()
	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafeSizeofThreadEntry32)

	var ids []uint32
	if err := windows.Thread32First(snap, &entry); err != nil {
		return nil, fmt.Errorf("%w: Thread32First: %v", hookerr.ErrThreadControlFailure, err)
	}
	for {
		if entry.OwnerProcessID == pid && entry.ThreadID != excludeTID {
			ids = append(ids, entry.ThreadID)
		}
		if err := windows.Thread32Next(snap, &entry); err != nil {
			break
		}
	}
	return ids, nil
}

const unsafeSizeofThreadEntry32 = 28

// Handle wraps a suspended thread, open for context access.
type Handle struct {
	h   windows.Handle
	tid uint32
}

// Open opens tid for suspend/resume/context access.
func Open(tid uint32) (*Handle, error) {
	access := uint32(windows.THREAD_SUSPEND_RESUME | windows.THREAD_GET_CONTEXT | windows.THREAD_SET_CONTEXT)
	h, err := windows.OpenThread(access, false, tid)
	if err != nil {
		return nil, fmt.Errorf("%w: OpenThread(%d): %v", hookerr.ErrThreadControlFailure, tid, err)
	}
	return &Handle{h: h, tid: tid}, nil
}

// Close releases the thread handle.
func (t *Handle) Close() error { return windows.CloseHandle(t.h) }

// Suspend suspends the thread.
func (t *Handle) Suspend() error {
	if _, err := windows.SuspendThread(t.h); err != nil {
		return fmt.Errorf("%w: SuspendThread(%d): %v", hookerr.ErrThreadControlFailure, t.tid, err)
	}
	return nil
}

// Resume resumes the thread.
func (t *Handle) Resume() error {
	if _, err := windows.ResumeThread(t.h); err != nil {
		return fmt.Errorf("%w: ResumeThread(%d): %v", hookerr.ErrThreadControlFailure, t.tid, err)
	}
	return nil
}

// IP reads the thread's current instruction pointer. The thread must be
// suspended first.
func (t *Handle) IP() (uintptr, error) {
	var ctx windows.Context
	ctx.ContextFlags = windows.CONTEXT_CONTROL
	if err := windows.GetThreadContext(t.h, &ctx); err != nil {
		return 0, fmt.Errorf("%w: GetThreadContext(%d): %v", hookerr.ErrThreadControlFailure, t.tid, err)
	}
	return uintptr(contextIP(&ctx)), nil
}

// SetIP rewrites the thread's instruction pointer. The thread must be
// suspended first.
func (t *Handle) SetIP(ip uintptr) error {
	var ctx windows.Context
	ctx.ContextFlags = windows.CONTEXT_CONTROL
	if err := windows.GetThreadContext(t.h, &ctx); err != nil {
		return fmt.Errorf("%w: GetThreadContext(%d): %v", hookerr.ErrThreadControlFailure, t.tid, err)
	}
	setContextIP(&ctx, uint64(ip))
	if err := windows.SetThreadContext(t.h, &ctx); err != nil {
		return fmt.Errorf("%w: SetThreadContext(%d): %v", hookerr.ErrThreadControlFailure, t.tid, err)
	}
	return nil
}

// Paused is the release handle returned by PauseOtherThreads: its Release
// method resumes every thread that was suspended, in reverse order, and
// reports the first error encountered (after still attempting every resume).
type Paused struct {
	handles []*Handle
}

// Release resumes and closes every paused thread. Safe to call once; the
// installer always calls it via defer so every exit path — including a
// panic partway through the patch — still resumes the rest of the
// process.
func (p *Paused) Release() error {
	var first error
	for i := len(p.handles) - 1; i >= 0; i-- {
		h := p.handles[i]
		if err := h.Resume(); err != nil && first == nil {
			first = err
		}
		h.Close()
	}
	p.handles = nil
	return first
}

// IPs returns the current instruction pointer of every paused thread,
// paired with the handle that owns it.
func (p *Paused) IPs() ([]uintptr, error) {
	ips := make([]uintptr, len(p.handles))
	for i, h := range p.handles {
		ip, err := h.IP()
		if err != nil {
			return nil, err
		}
		ips[i] = ip
	}
	return ips, nil
}

// SetIPAt rewrites the IP of the i-th paused thread.
func (p *Paused) SetIPAt(i int, ip uintptr) error { return p.handles[i].SetIP(ip) }

// PauseOtherThreads suspends every thread in the process other than the
// calling one (spec §4.9's "all other threads suspended" scope). On any
// failure partway through, every thread already suspended is resumed
// before the error is returned, so no thread is left paused on a failed
// call.
func PauseOtherThreads() (*Paused, error) {
	self := windows.GetCurrentThreadId()
	ids, err := ThreadIDs(self)
	if err != nil {
		return nil, err
	}

	p := &Paused{}
	for _, tid := range ids {
		h, err := Open(tid)
		if err != nil {
			// A thread may have exited between enumeration and open;
			// that's not a control failure, just skip it.
			continue
		}
		if err := h.Suspend(); err != nil {
			h.Close()
			p.Release()
			return nil, err
		}
		p.handles = append(p.handles, h)
	}
	return p, nil
}
