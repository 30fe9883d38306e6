package executor

import (
	"context"
	"sync"
	"time"

	"github.com/wesleyorama2/thermoload/internal/vu"
)

// vuPool runs VUs for an executor.
//
// Every VU gets its own context derived from the pool's hard context.
// Retiring a VU soft-stops it and cancels its context after a grace
// period; stopAll does the same for every VU.
type vuPool struct {
	scheduler *vu.Scheduler
	pacer     vu.Pacer

	hardCtx    context.Context
	hardCancel context.CancelFunc

	mu      sync.Mutex
	running []*pooledVU
	live    int

	wg sync.WaitGroup
}

type pooledVU struct {
	v      *vu.VirtualUser
	cancel context.CancelFunc
}

func newVUPool(parent context.Context, scheduler *vu.Scheduler, pacer vu.Pacer) *vuPool {
	ctx, cancel := context.WithCancel(parent)
	return &vuPool{
		scheduler:  scheduler,
		pacer:      pacer,
		hardCtx:    ctx,
		hardCancel: cancel,
	}
}

// spawn starts one VU.
func (p *vuPool) spawn() {
	ctx, cancel := context.WithCancel(p.hardCtx)
	pv := &pooledVU{v: p.scheduler.SpawnVU(), cancel: cancel}

	p.mu.Lock()
	p.running = append(p.running, pv)
	p.live++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.scheduler.RunVU(ctx, pv.v, p.pacer)
		cancel()

		p.mu.Lock()
		p.live--
		p.mu.Unlock()
	}()
}

// retire soft-stops the n most recently spawned VUs. Each is interrupted
// if still running after grace.
func (p *vuPool) retire(n int, grace time.Duration) {
	p.mu.Lock()
	if n > len(p.running) {
		n = len(p.running)
	}
	retired := p.running[len(p.running)-n:]
	p.running = p.running[:len(p.running)-n]
	p.mu.Unlock()

	for i := len(retired) - 1; i >= 0; i-- {
		pv := retired[i]
		pv.v.RequestStop()
		time.AfterFunc(grace, pv.cancel)
	}
}

// counts returns the number of VUs still wanted and the number whose
// goroutines have not exited, retiring ones included.
func (p *vuPool) counts() (running, live int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running), p.live
}

// stopAll soft-stops every VU and waits up to grace for them to finish,
// then interrupts the rest. It returns how many had to be interrupted.
func (p *vuPool) stopAll(grace time.Duration) int {
	p.mu.Lock()
	running := p.running
	p.running = nil
	p.mu.Unlock()

	for _, pv := range running {
		pv.v.RequestStop()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	interrupted := 0
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		_, interrupted = p.counts()
		p.hardCancel()
		<-done
	}
	p.hardCancel()
	return interrupted
}

// interrupt cancels every VU immediately.
func (p *vuPool) interrupt() {
	p.hardCancel()
}

// scalePlan returns how many VUs to spawn and how many to retire to move
// from running toward target, never letting live VUs exceed maxVUs.
// Retiring VUs still count as live until their goroutine exits.
func scalePlan(running, live, target, maxVUs int) (spawn, retire int) {
	switch {
	case target > running:
		spawn = target - running
		if room := maxVUs - live; spawn > room {
			spawn = room
		}
		if spawn < 0 {
			spawn = 0
		}
	case target < running:
		retire = running - target
	}
	return spawn, retire
}
