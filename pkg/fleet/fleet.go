// Package fleet broadcasts commands to a set of DutLinks in parallel and
// tracks per-DUT exclusion once a DUT fails.
package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/co2jig/controller/pkg/dutlink"
	"github.com/co2jig/controller/pkg/types"
)

// Fleet holds an ordered set of DutLinks and which of them are excluded.
type Fleet struct {
	mu       sync.Mutex
	links    []*dutlink.DutLink
	excluded map[string]bool
	logger   *slog.Logger
}

// New wraps already-probed links. Order is preserved for reporting.
func New(links []*dutlink.DutLink, logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fleet{
		links:    links,
		excluded: make(map[string]bool),
		logger:   logger,
	}
}

// Links returns the fleet's DutLinks in slot order, including excluded ones.
func (f *Fleet) Links() []*dutlink.DutLink { return f.links }

// Excluded reports whether slotName has been excluded from broadcasts.
func (f *Fleet) Excluded(slotName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.excluded[slotName]
}

// Exclude marks slotName as excluded; idempotent.
func (f *Fleet) Exclude(slotName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excluded[slotName] = true
}

// ActiveCount returns the number of DUTs not currently excluded.
func (f *Fleet) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.links {
		if !f.excluded[l.SlotName] {
			n++
		}
	}
	return n
}

// Broadcast sends cmd to every non-excluded DUT concurrently, one goroutine
// per DUT, and collects all results before returning. Wall time approaches
// the slowest single DUT's response time rather than their sum. A DUT that
// fails (timeout, non-zero rc, or parse failure) is excluded for subsequent
// broadcasts; its result carries the failure reason and a nil reply.
// Results for DUTs already excluded before this call are omitted entirely.
func (f *Fleet) Broadcast(ctx context.Context, cmd string, timeout time.Duration) []types.FleetCommandResult {
	f.mu.Lock()
	targets := make([]*dutlink.DutLink, 0, len(f.links))
	for _, l := range f.links {
		if !f.excluded[l.SlotName] {
			targets = append(targets, l)
		}
	}
	f.mu.Unlock()

	results := make([]types.FleetCommandResult, len(targets))
	var wg sync.WaitGroup
	wg.Add(len(targets))
	for i, link := range targets {
		go func(i int, link *dutlink.DutLink) {
			defer wg.Done()
			reply, err := link.Command(ctx, cmd, timeout)
			if err != nil {
				f.logger.Warn("dut command failed", "slot", link.SlotName, "cmd", cmd, "err", err)
				link.SetFailed(err.Error())
				f.Exclude(link.SlotName)
				results[i] = types.FleetCommandResult{DUTID: link.SlotName, Err: err}
				return
			}
			results[i] = types.FleetCommandResult{DUTID: link.SlotName, Reply: reply}
		}(i, link)
	}
	wg.Wait()
	return results
}

// BroadcastReadback issues cmd and stores each successful reply's pairs onto
// the matching DutLink's readout slot, selected by store.
func (f *Fleet) BroadcastReadback(ctx context.Context, cmd string, timeout time.Duration, store func(l *dutlink.DutLink, pairs []types.KV)) {
	results := f.Broadcast(ctx, cmd, timeout)
	bySlot := make(map[string]*dutlink.DutLink, len(f.links))
	for _, l := range f.links {
		bySlot[l.SlotName] = l
	}
	for _, r := range results {
		if r.Err != nil || r.Reply == nil {
			continue
		}
		if l, ok := bySlot[r.DUTID]; ok {
			store(l, r.Reply.Pairs)
		}
	}
}
