// wispprobe opens a TCP stream through a wisp endpoint and prints what the
// destination sends back.
// Usage: go run ./cmd/wispprobe -url ws://localhost:8001/wisp/ -host example.com -port 80
//
// With -http the probe sends a minimal HTTP/1.1 GET for / to the destination.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/doge-gateway/internal/version"
	"github.com/rickgao/doge-gateway/internal/wisp"
)

func main() {
	url := flag.String("url", "ws://localhost:8001/wisp/", "wisp endpoint")
	host := flag.String("host", "example.com", "destination host")
	port := flag.Uint("port", 80, "destination port")
	sendHTTP := flag.Bool("http", true, "send an HTTP GET after connecting")
	timeout := flag.Duration("timeout", 15*time.Second, "overall probe timeout")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *port == 0 || *port > 65535 {
		logger.Error("port out of range", "port", *port)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	cfg := wisp.DefaultClientConfig()
	cfg.URL = *url
	cfg.Header = map[string][]string{"User-Agent": {version.UserAgent()}}
	client := wisp.NewClient(cfg, logger)

	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "url", *url, "error", err)
		os.Exit(1)
	}
	defer client.Close()
	logger.Info("connected", "url", *url, "buffer_size", client.BufferSize())

	stream, err := client.Dial(*host, uint16(*port))
	if err != nil {
		logger.Error("failed to open stream", "error", err)
		os.Exit(1)
	}
	logger.Info("stream opened", "stream", stream.ID(), "host", *host, "port", *port)

	if *sendHTTP {
		req := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nConnection: close\r\n\r\n", *host, version.UserAgent())
		if _, err := stream.Write([]byte(req)); err != nil {
			logger.Error("failed to write request", "error", err)
			os.Exit(1)
		}
	}

	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	n, err := io.Copy(os.Stdout, stream)
	var closeErr *wisp.CloseError
	switch {
	case err == nil:
		logger.Info("stream closed by destination", "bytes", n)
	case errors.As(err, &closeErr):
		logger.Error("stream closed by server", "reason", closeErr.Reason, "bytes", n)
		os.Exit(1)
	case errors.Is(err, wisp.ErrAlreadyClosed):
		logger.Info("probe finished", "bytes", n, "reason", context.Cause(ctx))
	default:
		logger.Error("stream failed", "bytes", n, "error", err)
		os.Exit(1)
	}
}
