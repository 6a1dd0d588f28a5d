package main

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/upcn/agent/internal/clapi"
	"github.com/upcn/agent/internal/diag"
	"github.com/upcn/agent/internal/routertask"
	"github.com/upcn/agent/internal/routing"
	"github.com/upcn/agent/internal/store"
)

// diagServer is the diagnostic channel's network-visible face (SPEC_FULL.md
// DOMAIN STACK: "valyala/fasthttp ... the diagnostic channel's
// network-visible face"): /metrics for Prometheus scraping, /diag for the
// Query opcode's JSON snapshot.
type diagServer struct {
	tbl     *routing.Table
	cache   *store.Cache
	ingest  *ingester
	task    *routertask.Task
	decoder clapi.CommandDecoder
}

func newDiagServer(tbl *routing.Table, cache *store.Cache, ingest *ingester, task *routertask.Task) *diagServer {
	return &diagServer{tbl: tbl, cache: cache, ingest: ingest, task: task, decoder: clapi.JSONCommandDecoder{}}
}

var metricsHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())

func (s *diagServer) handler(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/metrics":
		metricsHandler(ctx)
	case "/diag":
		s.serveDiag(ctx)
	case "/ingest":
		s.serveIngest(ctx)
	case "/command":
		s.serveCommand(ctx)
	default:
		ctx.NotFound()
	}
}

// serveCommand accepts one JSON-encoded router command (spec.md §6 opcodes
// 0x31..0x34, cmd/upcnctl's wire format) over POST and enqueues it on the
// router task's signal queue.
func (s *diagServer) serveCommand(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.Error("POST a JSON router command", fasthttp.StatusMethodNotAllowed)
		return
	}
	cmd, err := s.decoder.Decode(ctx.PostBody())
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusBadRequest)
		return
	}
	s.task.Enqueue(routertask.Signal{Kind: routertask.SigProcessRouterCommand, Command: &cmd})
	ctx.SetStatusCode(fasthttp.StatusAccepted)
}

// serveIngest accepts one raw bundle frame over POST, feeding it through
// the same bpparser -> store -> routertask path a real CLA listener would
// use. It exists for local simulation and testing; a production CLA
// listener calls ingester.Ingest directly off its own socket loop instead
// of going through HTTP.
func (s *diagServer) serveIngest(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.Error("POST a raw bundle frame", fasthttp.StatusMethodNotAllowed)
		return
	}
	id, err := s.ingest.Ingest(ctx.PostBody())
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusBadRequest)
		return
	}
	ctx.SetContentType("text/plain")
	ctx.SetBodyString(id)
}

func (s *diagServer) serveDiag(ctx *fasthttp.RequestCtx) {
	snap, err := diag.BuildSnapshot(s.tbl, s.cache)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	buf, err := diag.MarshalSnapshot(snap)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(buf)
}

// ListenAndServe blocks serving the diagnostic HTTP surface at addr.
func (s *diagServer) ListenAndServe(addr string) error {
	srv := &fasthttp.Server{Handler: s.handler}
	return srv.ListenAndServe(addr)
}
