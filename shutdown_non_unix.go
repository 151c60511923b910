//go:build !unix

package main

import (
	"context"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
)

// watchForShutdown blocks until an interrupt is received or ctx is done,
// then calls cancelFn.
func watchForShutdown(ctx context.Context, cancelFn context.CancelFunc) {
	defer cancelFn()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		log.Infof("received signal '%s'", sig)
	}
}
