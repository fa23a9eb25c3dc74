// Command vfs runs the virtual file system: the HTTP API, background
// indexing, and one-shot maintenance commands.
package main

import (
	"fmt"
	"os"

	"vfscore/cmd/vfs/commands"
)

//go:generate swagger generate spec -o swagger.json

// VFS API
//
// Stores study resources in a folder tree and searches them with hybrid
// vector and keyword ranking.
//
// swagger:meta
//
// ---
// swagger: '2.0'
// info:
//   title: VFS API
//   version: 1.0.0
// schemes:
//   - http
// consumes:
//   - application/json
// produces:
//   - application/json

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
