//go:build windows
// +build windows

// Package symresolve provides the default symbol-name-to-address
// resolver (spec §6's "symbol resolver" external collaborator):
// GetModuleHandle/LoadLibrary a module by name, then GetProcAddress the
// symbol. A module name is required: it does not search the loaded
// modules when no hint is given.
package symresolve

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/nilstride/funchook/internal/hookerr"
)

// Resolver is the default SymbolResolver implementation, backed by the
// Windows loader.
type Resolver struct{}

// New returns a Resolver.
func New() *Resolver { return &Resolver{} }

// Resolve maps symbol, exported by the module named moduleHint, to its
// address. The module is looked up among those already loaded and loaded
// if absent. An empty moduleHint fails with ErrLookupFailure; Resolve does
// not search every loaded module.
func (r *Resolver) Resolve(symbol, moduleHint string) (uintptr, error) {
	var handle windows.Handle
	var err error
	if moduleHint != "" {
		handle, err = windows.GetModuleHandle(moduleHint)
		if err != nil {
			handle, err = windows.LoadLibrary(moduleHint)
		}
	} else {
		return 0, fmt.Errorf("%w: symresolve requires a module hint", hookerr.ErrLookupFailure)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: loading module %q: %v", hookerr.ErrLookupFailure, moduleHint, err)
	}

	addr, err := windows.GetProcAddress(handle, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %q in %q: %v", hookerr.ErrLookupFailure, symbol, moduleHint, err)
	}
	return addr, nil
}
