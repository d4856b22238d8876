//go:build windows && amd64
// +build windows,amd64

package winthread

import "golang.org/x/sys/windows"

func contextIP(ctx *windows.Context) uint64        { return ctx.Rip }
func setContextIP(ctx *windows.Context, ip uint64) { ctx.Rip = ip }
