package main

import (
	"github.com/upcn/agent/internal/bpparser"
	"github.com/upcn/agent/internal/bundle"
	"github.com/upcn/agent/internal/routertask"
	"github.com/upcn/agent/internal/uid"
)

// ingest feeds one CLA frame's de-framed bundle bytes through
// internal/bpparser, per spec.md §4.3's byte-at-a-time state machine plus
// its bulk-read escape for dictionary/block-data copies. A successfully
// parsed bundle is stored under a freshly generated ID and a SigRouteBundle
// signal is enqueued, gluing "bytes in" to the router task's lifecycle per
// spec.md §4.7.
type ingester struct {
	bundles  *memBundleStore
	task     *routertask.Task
	quotaMax uint64
}

func newIngester(bundles *memBundleStore, task *routertask.Task, quotaMax uint64) *ingester {
	return &ingester{bundles: bundles, task: task, quotaMax: quotaMax}
}

// Ingest parses frame as one complete bundle and, on success, stores it and
// enqueues it for routing. It returns the assigned store ID.
func (g *ingester) Ingest(frame []byte) (string, error) {
	b, err := g.parse(frame)
	if err != nil {
		return "", err
	}
	id := uid.Gen()
	g.bundles.Put(id, b)
	g.task.Enqueue(routertask.Signal{Kind: routertask.SigRouteBundle, BaseID: id})
	return id, nil
}

func (g *ingester) parse(frame []byte) (*bundle.Bundle, error) {
	p := bpparser.NewParser(g.quotaMax)
	i := 0
	for !p.Done() {
		if bulk := p.Bulk(); bulk != nil {
			n := copy(bulk.Into, frame[i:])
			i += n
			p.ResumeAfterBulk()
			continue
		}
		if i >= len(frame) {
			break
		}
		p.ReadByte(frame[i])
		i++
	}
	return p.Finish()
}
