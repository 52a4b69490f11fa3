package callout

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pultline/alarm-callout/pkg/types"
)

func TestStartProcessesOpenEvents(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	f.store.open = []types.AlarmEvent{testAlarmEvent()}
	f.store.responsibles = []types.Responsible{}

	is.NoErr(f.impl.Start(ctx))
	is.True(f.impl.IsActive())

	waitFor(t, func() bool { return f.store.wasDeleted(17) })

	is.NoErr(f.impl.Stop(ctx))
	is.True(!f.impl.IsActive())

	is.Equal(types.EventStateResolved, f.store.stateOf(17))
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	is, ctx, f := workflowSetup(t)

	is.NoErr(f.impl.Start(ctx))
	is.NoErr(f.impl.Start(ctx))
	is.NoErr(f.impl.Stop(ctx))
	is.NoErr(f.impl.Stop(ctx))

	topics := f.publishedTopics()
	count := 0
	for _, topic := range topics {
		if topic == "callout.processingState" {
			count++
		}
	}
	is.Equal(2, count)
}

func TestWorkerPoolBoundsConcurrentWorkflows(t *testing.T) {
	is, ctx, f := workflowSetupWithConfig(t, func(cfg *Config) {
		cfg.MaxConcurrent = 2
		cfg.CallTimeoutSeconds = 0
	})

	events := make([]types.AlarmEvent, 0, 5)
	for i := int64(1); i <= 5; i++ {
		events = append(events, types.AlarmEvent{PanelID: i, EventID: i, Code: "E100", RaisedAt: time.Now()})
	}
	f.store.open = events
	f.store.responsibles = []types.Responsible{
		{ListID: 1, Name: "First Person", Phone: "123456"},
	}

	// every dispatch parks until released, so the gauge captures how many
	// workflows are dialing at once
	release := make(chan struct{})
	var current, peak atomic.Int32
	f.dispatcher.afterDispatch = func(actionID string) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
	}

	is.NoErr(f.impl.Start(ctx))

	waitFor(t, func() bool { return f.dispatcher.callCount() == 2 })
	time.Sleep(50 * time.Millisecond)
	is.Equal(2, f.dispatcher.callCount())

	close(release)

	waitFor(t, func() bool { return f.dispatcher.callCount() == 5 })
	is.NoErr(f.impl.Stop(ctx))

	is.Equal(int32(2), peak.Load())
}

func TestQueueDepthStartsEmpty(t *testing.T) {
	is, _, f := workflowSetup(t)

	is.Equal(0, f.impl.QueueDepth())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
