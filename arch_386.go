//go:build windows && 386
// +build windows,386

package funchook

const mode64 = false
