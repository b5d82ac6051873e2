// Package main implements a mock worker agent that speaks the agentq
// streaming chat protocol over HTTP. It generates scripted NDJSON responses
// for demos, load tests, and e2e runs that should not burn real agent time.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// sessionID is a unique identifier for this mock-agent process instance.
// Each instance gets its own session, so using PID ensures uniqueness across
// parallel agents on one host.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	addr := flag.String("addr", ":3001", "address to listen on")
	name := flag.String("name", "mock-agent", "agent name echoed in responses")
	delay := flag.Duration("delay", 150*time.Millisecond, "pause between frames")
	failFirst := flag.Int("fail-first", 0, "reject the first N attempts of every request with 503")
	stall := flag.Bool("stall", false, "emit one frame per request, then hold the stream open")
	flag.Parse()

	srv := newServer(options{
		name:      *name,
		delay:     *delay,
		failFirst: *failFirst,
		stall:     *stall,
	})

	httpServer := &http.Server{
		Addr:        *addr,
		Handler:     srv.routes(),
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("mock-agent %q listening on %s", *name, *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("mock-agent: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("mock-agent: shutdown: %v", err)
	}
}
