// Package main provides the go-signkit CLI tool for managing iOS and macOS
// signing credentials on build machines.
//
// For the library API, see the subpackages:
//
//	import "github.com/aluedeke/go-signkit/pkg/codesign"
//	import "github.com/aluedeke/go-signkit/pkg/keychain"
//	import "github.com/aluedeke/go-signkit/pkg/token"
//	import "github.com/aluedeke/go-signkit/pkg/ci"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-signkit@latest
package main
