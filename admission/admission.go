// Package admission bounds the number of concurrent ffmpeg transcodes by host
// memory, and holds the FIFO queue of uploads deferred when the host is busy.
package admission

import (
	"sync"
	"time"

	"github.com/clipcast/ingest-api/log"
	"github.com/clipcast/ingest-api/metrics"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	gib = uint64(1024 * 1024 * 1024)

	// Admission is refused above this used-memory percentage regardless of
	// free process slots.
	maxUsedMemoryPercent = 85.0

	// A dequeued upload gets two admission attempts this far apart before it
	// is dropped.
	deferredRetryWait = 30 * time.Second
)

// MaxProcessesForMemory sizes the transcode slot count from installed memory.
func MaxProcessesForMemory(totalBytes uint64) int {
	switch {
	case totalBytes >= 8*gib:
		return 6
	case totalBytes >= 4*gib:
		return 4
	case totalBytes >= 2*gib:
		return 2
	default:
		return 1
	}
}

type queuedUpload struct {
	uploadID string
	// run is invoked with the admission slot already held
	run func()
	// drop is invoked when the upload is abandoned after the retry attempts
	drop func()
}

// Controller serialises the active-slot counter and the processing queue.
type Controller struct {
	mu           sync.Mutex
	active       int
	maxProcesses int
	queue        []queuedUpload

	usedMemoryPercent func() (float64, error)
	retryWait         time.Duration
}

func NewController() *Controller {
	maxProcesses := 1
	if vm, err := mem.VirtualMemory(); err == nil {
		maxProcesses = MaxProcessesForMemory(vm.Total)
	} else {
		log.LogNoUploadID("could not read host memory, limiting to one transcode", "err", err)
	}
	log.LogNoUploadID("transcode admission configured", "max_processes", maxProcesses)
	return &Controller{
		maxProcesses:      maxProcesses,
		usedMemoryPercent: liveUsedMemoryPercent,
		retryWait:         deferredRetryWait,
	}
}

// NewControllerForTest builds a controller with a fixed slot count and memory
// reading, and no retry wait.
func NewControllerForTest(maxProcesses int, usedPercent float64) *Controller {
	return &Controller{
		maxProcesses:      maxProcesses,
		usedMemoryPercent: func() (float64, error) { return usedPercent, nil },
		retryWait:         0,
	}
}

func liveUsedMemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// TryAcquire claims a transcode slot if one is free and host memory allows.
func (c *Controller) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tryAcquireLocked()
}

func (c *Controller) tryAcquireLocked() bool {
	if c.active >= c.maxProcesses {
		return false
	}
	used, err := c.usedMemoryPercent()
	if err != nil {
		log.LogNoUploadID("could not read used memory, refusing admission", "err", err)
		return false
	}
	if used > maxUsedMemoryPercent {
		return false
	}
	c.active++
	metrics.Metrics.ActiveTranscodes.Set(float64(c.active))
	return true
}

// Release frees a slot and hands it to the queue head, if any.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	metrics.Metrics.ActiveTranscodes.Set(float64(c.active))
	var next *queuedUpload
	if len(c.queue) > 0 {
		next = &c.queue[0]
		c.queue = c.queue[1:]
		metrics.Metrics.QueuedTranscodes.Set(float64(len(c.queue)))
	}
	c.mu.Unlock()

	if next != nil {
		go c.attemptDeferred(*next)
	}
}

// Enqueue appends a deferred upload. run is called, on a fresh goroutine,
// once a slot has been acquired for it; drop is called instead when the
// upload is abandoned because no slot could be acquired.
func (c *Controller) Enqueue(uploadID string, run, drop func()) {
	c.mu.Lock()
	c.queue = append(c.queue, queuedUpload{uploadID: uploadID, run: run, drop: drop})
	depth := len(c.queue)
	c.mu.Unlock()
	metrics.Metrics.QueuedTranscodes.Set(float64(depth))
	log.Log(uploadID, "transcode capacity exhausted, upload queued", "queue_depth", depth)
}

// QueueDepth reports the number of waiting uploads.
func (c *Controller) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Active reports the number of held slots.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// attemptDeferred gives a dequeued upload two admission attempts separated by
// the retry wait, then drops it.
func (c *Controller) attemptDeferred(q queuedUpload) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryWait)
		}
		if c.TryAcquire() {
			log.Log(q.uploadID, "dequeued upload admitted", "attempt", attempt+1)
			q.run()
			return
		}
	}
	log.Log(q.uploadID, "dropping queued upload, no capacity after retries")
	if q.drop != nil {
		q.drop()
	}
}
