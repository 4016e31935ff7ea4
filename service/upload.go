package service

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

const uploadConcurrency = 2

// uploadQueue holds saved paths until an upload slot is free. The capture
// event reader only appends, so a slow upload target never stalls it.
type uploadQueue struct {
	mu      sync.Mutex
	pending []string
	wake    chan struct{}
}

func newUploadQueue() *uploadQueue {
	return &uploadQueue{wake: make(chan struct{}, 1)}
}

func (q *uploadQueue) push(path string) {
	q.mu.Lock()
	q.pending = append(q.pending, path)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *uploadQueue) take() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	paths := q.pending
	q.pending = nil
	return paths
}

func (svc *service) runUploads(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(uploadConcurrency)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			if n := len(svc.uploads.take()); n > 0 {
				svc.log.Warn("uploads abandoned", "count", n)
			}
			return
		case <-svc.uploads.wake:
		}

		for _, path := range svc.uploads.take() {
			g.Go(func() error {
				svc.uploadImage(ctx, path)
				return nil
			})
		}
	}
}

func (svc *service) uploadImage(ctx context.Context, path string) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	if err := svc.upload.Upload(ctx, path); err != nil {
		svc.log.Warn("fail to upload image", "path", path, "err", err)
		return
	}
	svc.log.Debug("image uploaded", "path", path)
}
