// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// AIOStatus is the lifecycle state of an asynchronous request.
type AIOStatus int32

const (
	AIOQueued AIOStatus = iota
	AIORunning
	AIOCompleted
	AIOOverflow
	AIOError
	AIOCanceled
)

func (s AIOStatus) String() string {
	switch s {
	case AIOQueued:
		return "queued"
	case AIORunning:
		return "running"
	case AIOCompleted:
		return "completed"
	case AIOOverflow:
		return "overflow"
	case AIOError:
		return "error"
	case AIOCanceled:
		return "canceled"
	}
	return "unknown"
}

// AIORequest is one asynchronous read or write against an open array
// handle. Requests are values: the pool never copies or frees them behind
// the caller's back. The completion handle of a request that runs is
// invoked exactly once, after Status and the result fields are set; a
// request canceled before dequeue never invokes it.
type AIORequest struct {
	ID         int64
	Array      *Array
	Buffers    [][]byte
	Subarray   []int64 // optional reposition before the operation
	Data       interface{}
	Completion func(*AIORequest)

	// Results.
	Sizes []int // read only: bytes used per buffer
	Err   error

	status int32
}

// Status returns the request's current state.
func (r *AIORequest) Status() AIOStatus {
	return AIOStatus(atomic.LoadInt32(&r.status))
}

func (r *AIORequest) setStatus(s AIOStatus) {
	atomic.StoreInt32(&r.status, int32(s))
}

// aioPool executes AIO requests on a small set of workers owned by the
// StorageManager.
type aioPool struct {
	queue   chan *AIORequest
	wg      sync.WaitGroup
	nextID  int64
	stopped int32
}

func newAIOPool(workers int) *aioPool {
	if workers < 1 {
		workers = 1
	}
	p := &aioPool{queue: make(chan *AIORequest, 128)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *aioPool) worker() {
	defer p.wg.Done()
	for req := range p.queue {
		if !atomic.CompareAndSwapInt32(&req.status, int32(AIOQueued), int32(AIORunning)) {
			// Canceled while queued.
			continue
		}
		p.run(req)
		if req.Completion != nil {
			req.Completion(req)
		}
	}
}

func (p *aioPool) run(req *AIORequest) {
	a := req.Array
	if req.Subarray != nil {
		if err := a.ResetSubarray(req.Subarray); err != nil {
			req.Err = err
			req.setStatus(AIOError)
			return
		}
	}
	if a.mode.writing() {
		if err := a.Write(req.Buffers); err != nil {
			req.Err = err
			req.setStatus(AIOError)
			return
		}
		req.setStatus(AIOCompleted)
		return
	}
	sizes, err := a.Read(req.Buffers)
	if err != nil {
		req.Err = err
		req.setStatus(AIOError)
		return
	}
	req.Sizes = sizes
	for i := range a.attrs {
		if a.Overflow(i) {
			req.setStatus(AIOOverflow)
			return
		}
	}
	req.setStatus(AIOCompleted)
}

func (p *aioPool) submit(req *AIORequest) error {
	if atomic.LoadInt32(&p.stopped) != 0 {
		return errors.Wrap(ErrInvalidArg, "aio pool stopped")
	}
	req.ID = atomic.AddInt64(&p.nextID, 1)
	req.setStatus(AIOQueued)
	p.queue <- req
	return nil
}

func (p *aioPool) stop() {
	if !atomic.CompareAndSwapInt32(&p.stopped, 0, 1) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

// SubmitAIO enqueues an asynchronous request. The request's Array handle
// determines whether it reads or writes.
func (sm *StorageManager) SubmitAIO(req *AIORequest) error {
	if req.Array == nil {
		return errors.Wrap(ErrInvalidArg, "aio request without an array")
	}
	return sm.aio.submit(req)
}

// CancelAIO cancels a request that has not been dequeued yet. Running
// requests always complete.
func (sm *StorageManager) CancelAIO(req *AIORequest) bool {
	return atomic.CompareAndSwapInt32(&req.status, int32(AIOQueued), int32(AIOCanceled))
}
