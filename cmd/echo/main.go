// Command echo runs a loopback demonstration of the transport: an echo
// server and a handful of concurrent clients doing reliable round-trips,
// then a clean disconnect and a counter dump.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/appnet-org/rudp/pkg/logging"
	"github.com/appnet-org/rudp/pkg/message"
	"github.com/appnet-org/rudp/pkg/stats"
	"github.com/appnet-org/rudp/pkg/transport"
)

// getLoggingConfig reads logging configuration from environment variables
// with defaults.
func getLoggingConfig() *logging.Config {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "console"
	}
	return &logging.Config{Level: level, Format: format}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:0", "server bind address")
	clients := flag.Int("clients", 4, "number of concurrent clients")
	rounds := flag.Int("rounds", 8, "reliable round-trips per client")
	flag.Parse()

	if err := logging.Init(getLoggingConfig()); err != nil {
		panic(err)
	}
	defer logging.Sync()

	counters := stats.NewCounters()
	cfg := &transport.Config{Stats: counters}

	listener, err := transport.Listen(*addr, cfg)
	if err != nil {
		logging.Fatal("failed to bind server", zap.Error(err))
	}
	listener.OnNewConnection(func(payload []byte, c *transport.Connection) bool {
		logging.Info("accepting peer",
			zap.String("conn", c.ID().String()),
			zap.ByteString("handshake", payload))
		c.OnData(func(p []byte, option message.SendOption) {
			// Echo everything back the way it came.
			if err := c.SendBytes(p, option); err != nil {
				logging.Warn("echo failed", zap.Error(err))
			}
		})
		return true
	})
	listener.Start()
	defer listener.Stop()

	var group errgroup.Group
	for i := 0; i < *clients; i++ {
		group.Go(func() error {
			return runClient(listener.Addr().String(), cfg, i, *rounds)
		})
	}
	if err := group.Wait(); err != nil {
		logging.Fatal("client run failed", zap.Error(err))
	}

	dumpCounters(counters)
}

func runClient(addr string, cfg *transport.Config, id, rounds int) error {
	cl, err := transport.Dial(addr, cfg)
	if err != nil {
		return err
	}
	defer cl.Close()

	echoes := make(chan string, rounds)
	cl.Connection().OnData(func(p []byte, _ message.SendOption) {
		echoes <- string(p)
	})

	if err := cl.Connect([]byte(fmt.Sprintf("client-%d", id))); err != nil {
		return err
	}
	logging.Info("client connected",
		zap.Int("client", id),
		zap.Duration("rtt", cl.Connection().RTT()))

	for r := 0; r < rounds; r++ {
		msg := fmt.Sprintf("client-%d round-%d", id, r)
		if err := cl.Connection().SendBytes([]byte(msg), message.SendReliable); err != nil {
			return err
		}
		select {
		case got := <-echoes:
			if got != msg {
				return fmt.Errorf("client %d: echo mismatch: sent %q got %q", id, msg, got)
			}
		case <-time.After(5 * time.Second):
			return fmt.Errorf("client %d: timed out waiting for echo %d", id, r)
		}
	}

	return cl.Connection().Disconnect([]byte("all done"))
}

func dumpCounters(counters *stats.Counters) {
	snap := counters.Snapshot()
	names := make([]string, 0, len(snap))
	for m := range snap {
		names = append(names, string(m))
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-22s %d\n", name, snap[stats.Metric(name)])
	}
}
