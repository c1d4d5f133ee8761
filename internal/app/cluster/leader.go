package cluster

import (
	"context"
	"sync"
)

// RunWhileLeader runs fn whenever coord holds leadership. Losing leadership
// cancels fn's context; regaining it starts fn again. It returns nil once ctx
// is done. If fn returns on its own while still leading, RunWhileLeader stops
// coordinating and returns fn's result.
func RunWhileLeader(ctx context.Context, coord Coordinator, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cbMu sync.Mutex
	leadership := make(chan bool, 1)
	coord.OnLeadershipChange(func(isLeader bool) {
		cbMu.Lock()
		defer cbMu.Unlock()
		// Keep only the latest status.
		select {
		case <-leadership:
		default:
		}
		leadership <- isLeader
	})

	coordDone := make(chan error, 1)
	go func() { coordDone <- coord.Start(ctx) }()

	var (
		wg       sync.WaitGroup
		stopWork context.CancelFunc
		workDone = make(chan error, 1)
	)
	stop := func() {
		if stopWork != nil {
			stopWork()
			wg.Wait()
			stopWork = nil
		}
	}
	shutdown := func() {
		stop()
		cancel()
		_ = coord.Stop()
		<-coordDone
	}

	for {
		select {
		case <-ctx.Done():
			shutdown()
			return nil

		case err := <-coordDone:
			stop()
			if ctx.Err() != nil {
				_ = coord.Stop()
				return nil
			}
			return err

		case err := <-workDone:
			shutdown()
			return err

		case isLeader := <-leadership:
			switch {
			case isLeader && stopWork == nil:
				workCtx, c := context.WithCancel(ctx)
				stopWork = c
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := fn(workCtx)
					if workCtx.Err() != nil {
						return
					}
					workDone <- err
				}()
			case !isLeader:
				stop()
			}
		}
	}
}
