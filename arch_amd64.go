//go:build windows && amd64
// +build windows,amd64

package funchook

const mode64 = true
