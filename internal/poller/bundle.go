package poller

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/micro-ha/indego-sync/internal/model"
)

// Job is one fetch of a refresh bundle.
type Job struct {
	Key model.ResourceKey
	Run func(ctx context.Context) error
}

// Gather runs the jobs concurrently. A failing job never cancels its
// siblings; the failures are returned per key.
func Gather(ctx context.Context, jobs ...Job) map[model.ResourceKey]error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs = make(map[model.ResourceKey]error)
	)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := job.Run(ctx); err != nil {
				mu.Lock()
				errs[job.Key] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
