// Command funchookdemo exercises the funchook package end to end: it hooks
// a named export from a DLL (loading the DLL if needed), installs and then
// removes the hook, and prints a line after each step. It does not call
// the hooked target or the trampoline.
//
//go:build windows

package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/nilstride/funchook"
	"github.com/nilstride/funchook/internal/symresolve"
)

func main() {
	module := flag.String("module", "kernel32.dll", "module exporting the target symbol")
	symbol := flag.String("symbol", "GetTickCount", "exported symbol to hook")
	flag.Parse()

	if err := run(*module, *symbol); err != nil {
		fmt.Fprintf(os.Stderr, "funchookdemo: %v\n", err)
		os.Exit(1)
	}
}

// replacement always returns 1337; its signature must match the target's
// calling convention closely enough for the demo's zero-argument symbols.
var replacementCallback = syscall.NewCallback(func() uintptr { return 1337 })

func run(module, symbol string) error {
	resolver := symresolve.New()

	h, err := funchook.CreateByName(resolver, symbol, module, replacementCallback)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer h.Destroy()

	fmt.Printf("hooked %s!%s at %#x (hotpatchable=%v)\n", module, symbol, h.FunctionEntry(), h.Hotpatchable())

	if err := h.Install(); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	fmt.Println("installed — subsequent calls to the target now divert to the replacement")

	if err := h.Remove(); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	fmt.Println("removed — target restored to its original behavior")

	return nil
}
