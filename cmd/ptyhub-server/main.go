package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

func main() {
	port := flag.Int("port", 7777, "HTTP listen port")
	staticDir := flag.String("static", "static", "Directory holding the web UI bundle")
	shell := flag.String("shell", "", "Optional command to spawn as an initial agent")
	flushThreshold := flag.Int("flush-threshold", 1024, "Output chunks smaller than this flush immediately")
	maxClients := flag.Int("max-clients", 10, "Maximum concurrent WebSocket clients")
	flag.Parse()

	tracker := NewTracker(logSink{})
	pool := NewPool(tracker, WithFlushThreshold(*flushThreshold))
	tracker.Bind(pool)

	srv := NewServer(pool, tracker, tracker, *staticDir, WithMaxClients(*maxClients))
	urls, err := srv.Start(*port)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("[HTTP] listening on 0.0.0.0:%d", *port)
	log.Printf("[HTTP] access: %s", urls.Primary)
	if urls.LAN != "" && urls.LAN != urls.Primary {
		log.Printf("[HTTP] lan:    %s", urls.LAN)
	}
	if urls.Mesh != "" && urls.Mesh != urls.Primary {
		log.Printf("[HTTP] mesh:   %s", urls.Mesh)
	}

	if *shell != "" {
		command, args := parseCommand(*shell)
		agentID := uuid.New().String()
		tracker.RegisterTask("local", "Local shell")
		err := pool.Spawn(SpawnRequest{
			AgentID: agentID,
			TaskID:  "local",
			Command: command,
			Args:    args,
			Cols:    80,
			Rows:    24,
			Channel: agentID,
		})
		if err != nil {
			log.Printf("[PTY] spawn %q: %v", *shell, err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	pool.KillAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[HTTP] shutdown: %v", err)
	}
}

// parseCommand splits a command string into executable and arguments.
func parseCommand(cmdStr string) (string, []string) {
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		return cmdStr, nil
	}
	return parts[0], parts[1:]
}
