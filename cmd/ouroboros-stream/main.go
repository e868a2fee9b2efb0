// Command ouroboros-stream sends and receives an encrypted live image
// stream over UDP unicast or multicast.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const (
	logKeyError       = "error"
	logKeyMode        = "mode"
	logKeyAddress     = "address"
	logKeyPort        = "port"
	logKeyKeyPath     = "keyPath"
	logKeyFirstID     = "firstFrameId"
	logKeyChunkSize   = "chunkSize"
	logKeyQuality     = "quality"
	logKeyFPS         = "fps"
	logKeySource      = "source"
	logKeyOut         = "out"
	logKeyRecord      = "record"
	logKeySent        = "sent"
	logKeyShown       = "shown"
	logKeyRejected    = "rejected"
	logKeyUndecodable = "undecodable"
	logKeySuperseded  = "superseded"
	logKeyMalformed   = "malformed"
	logKeyStale       = "stale"
	logKeyDropped     = "dropped"
	logKeyCaptureErrs = "captureErrors"
	logKeySendErrs    = "sendErrors"
	logKeyOversize    = "oversize"
)

func main() { // A
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "received %s, shutting down\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ouroboros-stream: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
