// Package main hosts the protomedia CLI entrypoint and command graph.
//
// The Cobra-based command tree covers running the capture daemon, queue
// maintenance, draft inspection and disposal, status cache management, and
// configuration scaffolding. Configuration resolution happens once per
// invocation; subcommands open the stores they need directly.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
