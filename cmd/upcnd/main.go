// Command upcnd is the uPCN bundle agent daemon: it wires the bundle
// pipeline (internal/bpparser, internal/router, internal/contactmgr,
// internal/routertask) to a volatile local simulation of its external
// collaborators (CLA sockets, persistent bundle store, discovery) and
// serves the diagnostic HTTP surface. Grounded on
// _examples/rockstar-0000-aistore/cmd/authn/main.go's daemon shape: flag
// parsing, signal handling, buntdb-backed state, a blocking server loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/upcn/agent/internal/config"
	"github.com/upcn/agent/internal/contact"
	"github.com/upcn/agent/internal/contactmgr"
	"github.com/upcn/agent/internal/diag"
	"github.com/upcn/agent/internal/routertask"
	"github.com/upcn/agent/internal/routing"
	"github.com/upcn/agent/internal/store"
	"github.com/upcn/agent/internal/ulog"
)

var (
	flagStorePath   = flag.String("store", ":memory:", "path to the bundle-store identifier cache (buntdb file, or :memory:)")
	flagHTTPAddr    = flag.String("http", ":8686", "address the diagnostic HTTP surface (/metrics, /diag) listens on")
	flagClaChannels = flag.Int("cla-channels", 4, "CLA_CHANNELS: max number of concurrently-active contacts")
)

func main() {
	flag.Parse()
	ulog.SetTitle("upcnd")

	if err := run(); err != nil {
		ulog.Errorf("upcnd: %v", err)
		ulog.Flush()
		os.Exit(1)
	}
}

func run() error {
	cache, err := store.Open(*flagStorePath)
	if err != nil {
		return fmt.Errorf("opening bundle-store cache: %w", err)
	}
	defer cache.Close()

	cfgStore, err := config.NewStore(config.Default())
	if err != nil {
		return fmt.Errorf("building default configuration: %w", err)
	}

	tbl := routing.New()
	tbl.SetMaxConcurrentContacts(*flagClaChannels)
	diagCh := diag.NewChannel()
	metrics := diag.NewMetrics(prometheus.DefaultRegisterer)
	bundles := newMemBundleStore()
	pub := diagEventPublisher{ch: diagCh}

	proc := &processor{bundles: bundles, cache: cache, diag: diagCh, metrics: metrics}
	cla := simClaOpener{pub: pub, metrics: metrics}
	txStub := &simTXDispatcher{}

	cm := contactmgr.New(tbl, *flagClaChannels, cla, txStub, proc)
	task := routertask.New(tbl, cfgStore.RouterConfig, bundles, proc, discovery{}, cm, diagCh)

	proc.task = task
	txStub.task = task
	cm.SetDiagChannel(diagCh)
	cm.SetContactOverFunc(func(c *contact.Contact) {
		task.Enqueue(routertask.Signal{Kind: routertask.SigContactOver, Contact: c})
	})
	ingest := newIngester(bundles, task, 1<<20)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := newDiagServer(tbl, cache, ingest, task)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cm.Run(gctx) })
	g.Go(func() error { return task.Run(gctx) })
	g.Go(func() error {
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe(*flagHTTPAddr) }()
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err := <-errc:
			return err
		}
	})

	ulog.Infof("upcnd: listening on %s, CLA_CHANNELS=%d, store=%s", *flagHTTPAddr, *flagClaChannels, *flagStorePath)
	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}
