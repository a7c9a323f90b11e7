package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/terminus-os/backend/internal/config"
	"github.com/terminus-os/backend/internal/server"
)

func main() {
	var (
		port        = flag.String("port", "", "server port (overrides PORT)")
		host        = flag.String("host", "", "server host (overrides HOST)")
		execTimeout = flag.Duration("exec-timeout", 0, "default foreground command timeout")
		maxProcs    = flag.Int("max-processes", 0, "maximum concurrent background processes")
	)
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *execTimeout > 0 {
		cfg.Exec.DefaultTimeout = *execTimeout
	}
	if *maxProcs > 0 {
		cfg.Exec.MaxProcesses = *maxProcs
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize server: %v\n", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("received %s, shutting down\n", sig)
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			srv.Close()
			os.Exit(1)
		}
		return
	}

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		fmt.Fprintln(os.Stderr, "shutdown timed out")
		os.Exit(1)
	}
}
