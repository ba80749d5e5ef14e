package transport

import (
	"time"

	"github.com/rs/zerolog/log"
)

// activityWindowMs bounds how stale the last transfer may be for a perf tick
// to emit anything: the sampler stays silent on an idle link.
const activityWindowMs = 1000

// startPerfSampler launches the background sampler iff perf metrics are
// enabled and a backend context is live.
func (e *Engine) startPerfSampler() {
	if !e.enablePerf.Load() || e.be == nil {
		return
	}

	e.perfStop = make(chan struct{})
	e.perfDone = make(chan struct{})
	e.perfRunning.Store(true)
	go e.perfLoop(e.be)

	log.Info().
		Int64("interval_ms", e.perfIntervalMs.Load()).
		Msg("perf sampler started")
}

// perfLoop holds its own reference to the backend; Stop joins this goroutine
// before the context is cleaned, so the reference is live for the loop's
// whole life.
func (e *Engine) perfLoop(be interface{ DumpPerf() }) {
	defer close(e.perfDone)

	for {
		timer := time.NewTimer(time.Duration(e.perfIntervalMs.Load()) * time.Millisecond)
		select {
		case <-e.perfStop:
			timer.Stop()
			log.Info().Msg("perf sampler exiting")
			return
		case <-timer.C:
		}

		if !e.perfRunning.Load() {
			return
		}
		last := e.lastActivityMs.Load()
		if time.Now().UnixMilli()-last < activityWindowMs {
			be.DumpPerf()
		}
	}
}

// stopPerfSampler signals the sampler and blocks until it has exited.
func (e *Engine) stopPerfSampler() {
	if !e.perfRunning.CompareAndSwap(true, false) {
		return
	}
	close(e.perfStop)
	<-e.perfDone
	log.Info().Msg("perf sampler stopped")
}
