// Command dispatchd wires the dispatch engine's collaborators together and
// runs it until terminated, grounded on main.go's panic handler, flag
// parsing, and signal.NotifyContext shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/dispatchcore/pubsubengine/internal/config"
	"github.com/dispatchcore/pubsubengine/internal/logging"
	"github.com/dispatchcore/pubsubengine/internal/manager"
	"github.com/dispatchcore/pubsubengine/internal/metrics"
	"github.com/dispatchcore/pubsubengine/internal/notify"
	"github.com/dispatchcore/pubsubengine/internal/store/sqlitestore"
	"github.com/dispatchcore/pubsubengine/internal/zmqbridge"

	"os/signal"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			path := "panic.log"
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				defer f.Close()
				ts := time.Now().UTC().Format(time.RFC3339)
				fmt.Fprintf(f, "[%s] panic: %v\n%s\n\n", ts, r, debug.Stack())
			}
			os.Exit(1)
		}
	}()

	configPath := flag.String("config", "", "path to a TOML config file (defaults used if omitted)")
	dbPath := flag.String("db", "", "sqlite DSN for the reference store (in-memory if omitted)")
	zmqAddr := flag.String("zmq-events", "", "optional ZMQ PUB address publishing remote topic events")
	writeExample := flag.String("write-example-config", "", "write an example config file to this path and exit")
	flag.Parse()

	if *writeExample != "" {
		if err := config.WriteExample(*writeExample); err != nil {
			fmt.Fprintln(os.Stderr, "write example config:", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log := logging.New(os.Stdout, logging.LevelInfo)
	defer log.Stop()

	st, err := sqlitestore.Open(*dbPath)
	if err != nil {
		log.Error("open store failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	sink := &metrics.Counters{}

	notifyFn := func(clientID string, eventCode int, eventType notify.EventType) {
		log.Debug("poll-hint", "client", clientID, "event_code", eventCode)
	}

	mctx := manager.NewContext(st, log, sink, notifyFn, cfg)
	mgr := manager.New(mctx)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr.Start(ctx)

	if *zmqAddr != "" {
		bridge := zmqbridge.New(*zmqAddr, mgr, log)
		go bridge.Run(ctx)
	}

	log.Info("dispatchd running", "config", *configPath, "db", *dbPath)
	<-ctx.Done()

	mgr.Stop()
}
