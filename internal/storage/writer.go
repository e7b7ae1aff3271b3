package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"webvm-manager/internal/vm"
)

// SampleWriter batches usage samples into the repository off the sampling
// path. Enqueue never blocks; if the buffer fills, samples are dropped. The
// in-memory history in the registry is unaffected either way.
type SampleWriter struct {
	repo     vm.Repository
	ch       chan vm.UsageSample
	interval time.Duration
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewSampleWriter creates a writer flushing at most every interval.
func NewSampleWriter(repo vm.Repository, bufferSize int, interval time.Duration) *SampleWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &SampleWriter{
		repo:     repo,
		ch:       make(chan vm.UsageSample, bufferSize),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the flush loop.
func (w *SampleWriter) Start() {
	w.wg.Add(1)
	go w.flushLoop()
}

// Enqueue buffers one sample, dropping it if the buffer is full.
func (w *SampleWriter) Enqueue(s vm.UsageSample) {
	select {
	case w.ch <- s:
	default:
		log.Warn().Str("instance_id", s.InstanceID).Msg("sample buffer full, dropping sample")
	}
}

// Flush stops the loop and drains remaining samples, bounded by timeout.
func (w *SampleWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("sample writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("sample writer flush timed out")
	}
}

func (w *SampleWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.writeWithRetry(w.drain())
		case <-w.done:
			w.writeWithRetry(w.drain())
			return
		}
	}
}

// drain empties the buffer without blocking.
func (w *SampleWriter) drain() []vm.UsageSample {
	var batch []vm.UsageSample
	for {
		select {
		case s := <-w.ch:
			batch = append(batch, s)
		default:
			return batch
		}
	}
}

func (w *SampleWriter) writeWithRetry(batch []vm.UsageSample) {
	if len(batch) == 0 {
		return
	}
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.repo.SaveSamples(ctx, batch)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Int("batch_size", len(batch)).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("sample write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Int("batch_size", len(batch)).
				Msg("sample write failed permanently after retries")
		}
	}
}
