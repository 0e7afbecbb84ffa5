package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRuntime_Property_OneRunPerPeriodAcrossReplicas(t *testing.T) {
	if testing.Short() {
		t.Skip("timing property skipped in short mode")
	}
	const frequency = 100 * time.Millisecond

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 12
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent triggers inside one period run the job once", prop.ForAll(
		func(replicaCount, nodeCount, rounds int) bool {
			nodes := newNodes(nodeCount)
			replicas := make([]*Runtime, replicaCount)
			for i := range replicas {
				replicas[i] = newTestRuntime(t, newReplica(t, nodes, 3), nil, nil)
			}

			var runs, inside, overlap atomic.Int32
			job := NewJob("workspace-gc", frequency, func(context.Context, Signal) (*int64, error) {
				if inside.Add(1) > 1 {
					overlap.Add(1)
				}
				runs.Add(1)
				inside.Add(-1)
				return nil, nil
			})

			for round := 0; round < rounds; round++ {
				var wg sync.WaitGroup
				for _, replica := range replicas {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, _ = replica.Trigger(context.Background(), job)
					}()
				}
				wg.Wait()
				if runs.Load() != int32(round+1) {
					return false
				}
				time.Sleep(frequency + 30*time.Millisecond)
			}
			return overlap.Load() == 0
		},
		gen.IntRange(2, 4),
		gen.OneConstOf(1, 3, 5),
		gen.IntRange(1, 3),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
