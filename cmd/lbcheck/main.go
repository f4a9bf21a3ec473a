package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mlgateway/internal/lbcheck"
	"mlgateway/internal/logging"
)

func main() {
	var opts lbcheck.Options
	flag.StringVar(&opts.URL, "url", "http://localhost:8000/ner", "Endpoint to probe")
	flag.IntVar(&opts.Requests, "n", 100, "Total requests")
	flag.IntVar(&opts.Workers, "workers", 10, "Concurrent requests")
	flag.DurationVar(&opts.Timeout, "timeout", 15*time.Second, "Per-request timeout")
	flag.StringVar(&opts.Payload, "payload", lbcheck.SamplePayload, "JSON request body")
	flag.Parse()

	zl, err := logging.New("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	log := zl.Sugar()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Target URL        : %s\n", opts.URL)
	fmt.Printf("Total requests    : %d\n", opts.Requests)
	fmt.Printf("Concurrent workers: %d\n\n", opts.Workers)
	fmt.Println("Sending requests...")

	start := time.Now()
	tally, err := lbcheck.Run(ctx, opts)
	if err != nil {
		log.Errorw("load check aborted", "error", err)
		os.Exit(1)
	}
	log.Infow("load check finished", "elapsed", time.Since(start), "containers", len(tally.Containers()))
	tally.Report(os.Stdout)

	if !tally.Distributed() { os.Exit(1) }
}
