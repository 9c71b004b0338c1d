package engine

import (
	"context"
	"time"

	logx "pushgate/pkg/logx"
)

// CheckScale runs one scaling decision. Overlapping calls are skipped, not queued.
func (e *Engine) CheckScale() {
	if !e.scaling.CompareAndSwap(false, true) {
		return
	}
	defer e.scaling.Store(false)

	if e.ctx.Err() != nil {
		return
	}

	count, avgWait := e.waits.stats()
	_, avgSend := e.sends.stats()
	if count < latencyMinSamples {
		avgWait, avgSend = 0, 0
	}

	s := e.settings
	channels := e.ChannelCount()
	queued := e.q.Len()

	e.log.Trace("scale check",
		logx.Int("channels", channels),
		logx.Int("queued", queued),
		logx.Duration("avg_wait", avgWait),
		logx.Duration("avg_send", avgSend),
		logx.Int("samples", count),
	)

	if s.AutoScaleChannels {
		switch {
		case channels == 0 && queued > 0:
			e.log.Info("creating first channel", logx.Int("queued", queued))
			e.scaleChannels(1)

		case e.idle(channels, queued):
			e.log.Info("idle timeout reached; destroying all channels", logx.Int("channels", channels))
			e.scaleChannels(-channels)

		case avgWait < s.MinAvgTimeToScaleChannels && channels > 1:
			n := 1
			if avgWait <= 0 {
				n = 5
			}
			if channels-n <= 0 {
				n = 1
			}
			e.log.Debug("scaling down", logx.Int("by", n), logx.Duration("avg_wait", avgWait), logx.Int("channels", channels))
			e.scaleChannels(-n)

		case channels < s.MaxAutoScaleChannels:
			n := 0
			switch {
			case avgWait > 5*time.Second:
				n = 3
			case avgWait > time.Second:
				n = 2
			case avgWait > s.MinAvgTimeToScaleChannels:
				n = 1
			}
			if channels+n > s.MaxAutoScaleChannels {
				n = s.MaxAutoScaleChannels - channels
			}
			if n > 0 {
				e.log.Debug("scaling up", logx.Int("by", n), logx.Duration("avg_wait", avgWait), logx.Int("channels", channels))
				e.scaleChannels(n)
			}
		}
		return
	}

	if e.idle(channels, queued) {
		e.log.Info("idle timeout reached; destroying all channels", logx.Int("channels", channels))
		e.scaleChannels(-channels)
		return
	}

	for e.ChannelCount() > s.Channels {
		if !e.destroyChannel() {
			break
		}
	}
	for e.ChannelCount() < s.Channels && e.hasDemand() {
		if !e.createChannel() {
			break
		}
	}
}

// idle reports whether nothing has been enqueued for IdleTimeout and nothing
// is queued or tracked.
func (e *Engine) idle(channels, queued int) bool {
	timeout := e.settings.IdleTimeout
	if timeout <= 0 || channels <= 0 || queued > 0 {
		return false
	}
	if e.tracked.Load() > 0 {
		return false
	}
	last := time.Unix(0, e.lastEnqueue.Load())
	return e.now().Sub(last) > timeout
}

// hasDemand gates fixed-size pool growth on a recent enqueue with work still tracked.
func (e *Engine) hasDemand() bool {
	if e.tracked.Load() <= 0 {
		return false
	}
	timeout := e.settings.IdleTimeout
	if timeout <= 0 {
		return true
	}
	last := time.Unix(0, e.lastEnqueue.Load())
	return e.now().Sub(last) <= timeout
}

func (e *Engine) scaleChannels(delta int) {
	for ; delta > 0; delta-- {
		if !e.createChannel() {
			return
		}
	}
	for ; delta < 0; delta++ {
		if !e.destroyChannel() {
			return
		}
	}
}

func (e *Engine) createChannel() bool {
	if e.factory == nil {
		return false
	}
	// The channel outlives its worker's context so Close can still drain it.
	ch, err := e.factory(e.ctx)
	if err != nil {
		if e.shouldWarn(&e.lastFactoryWarnAt) {
			e.log.Warn("channel create failed", logx.Err(err))
		}
		e.ReportServiceException(err)
		return false
	}
	ctx, cancel := context.WithCancel(e.ctx)
	w := e.newWorker(ch, ctx, cancel)

	e.poolMu.Lock()
	if isClosed(e.stopDone) {
		e.poolMu.Unlock()
		close(w.done)
		_ = w.dispose()
		return false
	}
	e.workers = append(e.workers, w)
	total := len(e.workers)
	e.poolMu.Unlock()

	e.sup.Go0("worker."+w.id, func(context.Context) { e.runWorker(w) })
	e.scaleUps.Add(1)
	e.emitChannelCreated(total)
	return true
}

// destroyChannel removes the oldest worker and disposes it.
func (e *Engine) destroyChannel() bool {
	e.poolMu.Lock()
	if len(e.workers) == 0 {
		e.poolMu.Unlock()
		return false
	}
	w := e.workers[0]
	e.workers[0] = nil
	e.workers = e.workers[1:]
	total := len(e.workers)
	e.poolMu.Unlock()

	if err := w.dispose(); err != nil {
		e.log.Warn("channel dispose failed", logx.String("worker", w.id), logx.Err(err))
	}
	e.scaleDowns.Add(1)
	e.emitChannelDestroyed(total)
	return true
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
