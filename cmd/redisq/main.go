// redisq is a RESP/RESP3 key/value server: strings with expiry, lists with
// blocking pops, append-only streams, pub/sub, and MULTI/EXEC transactions,
// all serialized through a single command executor goroutine.
//
// Usage:
//
//	redisq [flags]
//
// Flags:
//
//	-addr string        Listen address (default ":6379")
//	-maxclients int     Maximum concurrent connections (default 10000)
//	-timeout int        Read timeout in seconds per connection (0 = none)
//	-config string       Path to a JSON config file (optional)
//	-loglevel string     Log level: debug, info, warn, error (default "info")
//	-version             Print the version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redisq/redisq/internal/config"
	"github.com/redisq/redisq/internal/server"
	"github.com/redisq/redisq/internal/version"
)

func main() {
	addr := flag.String("addr", ":6379", "Listen address")
	maxClients := flag.Int("maxclients", 10000, "Maximum number of concurrent connections")
	timeout := flag.Int("timeout", 0, "Read timeout in seconds per connection (0 = no timeout)")
	configPath := flag.String("config", "", "Path to a JSON config file")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("redisq v%s (built %s)\n", version.Version, version.BuildTime)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	if isFlagSet("addr") {
		cfg.Addr = *addr
	}
	if isFlagSet("maxclients") {
		cfg.MaxClients = *maxClients
	}
	if isFlagSet("timeout") {
		cfg.ReadTimeout = time.Duration(*timeout) * time.Second
	}
	if isFlagSet("loglevel") {
		cfg.LogLevel = *logLevel
	}

	log.Printf("redisq v%s starting...", version.Version)
	log.Printf("Listen address: %s", cfg.Addr)
	log.Printf("Max clients: %d", cfg.MaxClients)

	srv := server.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("redisq shutdown complete")
}

// isFlagSet reports whether the named flag was explicitly passed on the
// command line, so a loaded config file isn't silently overwritten by a
// flag's zero-value default.
func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
