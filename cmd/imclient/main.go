// Command imclient is an interactive client for the chat demo served by gtcpd.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gtcpd/internal/config"
	"gtcpd/internal/logging"
	"gtcpd/internal/transport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:18800", "dispatcher client address")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	logCloser, err := logging.Setup(config.LogConfig{Level: *logLevel, Format: "text"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "imclient: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := newSession(os.Stdout)
	client := transport.NewAsyncClient(*addr, transport.AsyncOptions{
		ReconnectBackoff:  500 * time.Millisecond,
		MaxReconnectDelay: 10 * time.Second,
	}, transport.AsyncHandlers{
		OnPacket:     sess.handlePacket,
		OnConnect:    func() { slog.Info("[imclient] connected", "addr", *addr) },
		OnDisconnect: sess.handleDisconnect,
	})
	sess.sender = client
	client.Start(ctx)
	defer client.Close()

	fmt.Println("gtcpd chat client. Commands: register <name>, send <a,b> <message>, clear, quit")
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		sess.prompt()
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || sess.execute(line) {
				return
			}
		}
	}
}
