// Package hookcfg holds the engine's process-wide configuration, read once
// from the environment. It plays the role a VerboseMode global plays for
// an instruction encoder, generalized so every internal package can
// consult it without importing the root package.
package hookcfg

import (
	"fmt"
	"os"
	"sync"

	"github.com/xyproto/env/v2"
)

// DefaultDeadzoneMinX86 and DefaultDeadzoneMinX64 are the widths of the
// widest jump a deadzone may host per architecture: a 5-byte near jump on
// 32-bit, a 14-byte absolute jump on 64-bit. The planner does not read
// these constants; it passes the width of the jump it will actually write
// (5 or 14 bytes) as DeadzoneMin's fallback.
const (
	DefaultDeadzoneMinX86 = 5
	DefaultDeadzoneMinX64 = 14
)

var (
	once     sync.Once
	verbose  bool
	deadzone int
)

func load() {
	verbose = env.Bool("FUNCHOOK_VERBOSE")
	deadzone = env.Int("FUNCHOOK_DEADZONE_MIN", 0)
}

// Verbose reports whether FUNCHOOK_VERBOSE is set.
func Verbose() bool {
	once.Do(load)
	return verbose
}

// DeadzoneMin returns the configured minimum deadzone size, or fallback if
// FUNCHOOK_DEADZONE_MIN was not set (or set to a non-positive value).
func DeadzoneMin(fallback int) int {
	once.Do(load)
	if deadzone > 0 {
		return deadzone
	}
	return fallback
}

// Logf writes a diagnostic line to stderr when verbose mode is enabled.
// Mirrors the `if VerboseMode { fmt.Fprintf(os.Stderr, ...) }` idiom common
// to hand-rolled instruction encoders.
func Logf(format string, args ...any) {
	if !Verbose() {
		return
	}
	fmt.Fprintf(os.Stderr, "funchook: "+format+"\n", args...)
}
