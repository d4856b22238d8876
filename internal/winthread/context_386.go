//go:build windows && 386
// +build windows,386

package winthread

import "golang.org/x/sys/windows"

func contextIP(ctx *windows.Context) uint64        { return uint64(ctx.Eip) }
func setContextIP(ctx *windows.Context, ip uint64) { ctx.Eip = uint32(ip) }
