// Package main provides the go-resign CLI tool for re-signing iOS IPAs.
//
// For the library API, see the codesign subpackage:
//
//	import "github.com/aluedeke/go-resign/pkg/codesign"
//
// # Installation
//
//	go install github.com/aluedeke/go-resign@latest
//
// The resign and identities commands need macOS, since they drive the
// codesign and security tools. The info command works on any platform.
package main
