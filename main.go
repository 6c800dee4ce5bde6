// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"biostream/cmd"
	"biostream/internal/log"
	"biostream/pkg/build"
)

// main wires the process lifecycle:
//
//  1. Startup: build information and signal handling.
//  2. Run: the selected command, usually a streaming session that lasts
//     until SIGINT/SIGTERM, the monitor is closed or the source ends.
//  3. Shutdown: the command stops the session, which closes the source and
//     flushes the recording before returning.
func main() {
	if err := build.Initialize(); err != nil {
		log.Debugf("development build: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
