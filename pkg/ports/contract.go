package ports

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreContract runs a suite of tests to verify that a StoreOpener and the
// handles it returns adhere to the RunStore contract.
func RunStoreContract(t *testing.T, opener StoreOpener) {
	ctx := context.Background()
	runID := "contract-run-" + time.Now().Format("20060102150405.000000000")

	open := func(t *testing.T) RunHandle {
		t.Helper()
		h, err := opener.Open(ctx)
		require.NoError(t, err, "Open should not return error")
		t.Cleanup(func() { _ = h.Close() })
		return h
	}

	t.Run("Create and Load", func(t *testing.T) {
		store := open(t)
		run := domain.NewRun(runID, "graph-1", domain.State{"foo": "bar", "count": 42})

		require.NoError(t, store.Create(ctx, run))

		loaded, err := store.Load(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, runID, loaded.ID)
		assert.Equal(t, "graph-1", loaded.GraphID)
		assert.Equal(t, domain.StatusPending, loaded.Status)
		assert.Equal(t, "bar", loaded.State["foo"])
		// JSON-backed stores decode numbers as float64.
		assert.EqualValues(t, 42, loaded.State["count"])
		assert.Empty(t, loaded.History)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		store := open(t)
		_, err := store.Load(ctx, "non-existent-"+runID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})

	t.Run("Save Patch", func(t *testing.T) {
		store := open(t)
		status := domain.StatusRunning
		require.NoError(t, store.Save(ctx, runID, domain.RunPatch{Status: &status}))

		history := []domain.StepRecord{
			{Step: 1, Node: "A", State: domain.State{"foo": "bar", "x": 1}},
		}
		patch := domain.RunPatch{State: domain.State{"foo": "bar", "x": 1}, History: history}
		require.NoError(t, store.Save(ctx, runID, patch))
		// Idempotent overwrite
		require.NoError(t, store.Save(ctx, runID, patch))

		loaded, err := store.Load(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, loaded.Status, "status untouched by later patches")
		assert.Equal(t, "graph-1", loaded.GraphID)
		assert.EqualValues(t, 1, loaded.State["x"])
		require.Len(t, loaded.History, 1)
		assert.Equal(t, 1, loaded.History[0].Step)
		assert.Equal(t, "A", loaded.History[0].Node)
		assert.EqualValues(t, 1, loaded.History[0].State["x"])
	})

	t.Run("Save Failure Keeps State", func(t *testing.T) {
		store := open(t)
		require.NoError(t, store.Save(ctx, runID, domain.FailurePatch("boom")))

		loaded, err := store.Load(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, loaded.Status)
		assert.Equal(t, "boom", loaded.Error)
		assert.EqualValues(t, 1, loaded.State["x"])
		assert.Len(t, loaded.History, 1)
	})

	t.Run("Loaded Record Is Isolated", func(t *testing.T) {
		store := open(t)
		loaded, err := store.Load(ctx, runID)
		require.NoError(t, err)
		loaded.State["foo"] = "mutated"

		again, err := store.Load(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, "bar", again.State["foo"])
	})

	t.Run("Save Upserts Missing Run", func(t *testing.T) {
		store := open(t)
		id := runID + "-upsert"
		defer func() { _ = store.Delete(ctx, id) }()

		require.NoError(t, store.Save(ctx, id, domain.StatusPatch(domain.StatusRunning)))
		loaded, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, loaded.Status)
	})

	t.Run("List", func(t *testing.T) {
		store := open(t)
		id1 := runID + "-1"
		id2 := runID + "-2"
		require.NoError(t, store.Create(ctx, domain.NewRun(id1, "g", nil)))
		require.NoError(t, store.Create(ctx, domain.NewRun(id2, "g", nil)))
		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		runs, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, runs, id1)
		assert.Contains(t, runs, id2)
	})

	t.Run("Delete", func(t *testing.T) {
		store := open(t)
		require.NoError(t, store.Delete(ctx, runID))

		_, err := store.Load(ctx, runID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound, "Load after Delete should return ErrRunNotFound")
	})

	t.Run("Handles Are Isolated", func(t *testing.T) {
		h1 := open(t)
		h2 := open(t)
		id := runID + "-iso"
		require.NoError(t, h1.Create(ctx, domain.NewRun(id, "g", nil)))
		defer func() { _ = h2.Delete(ctx, id) }()

		require.NoError(t, h1.Close())
		_, err := h1.Load(ctx, id)
		assert.ErrorIs(t, err, domain.ErrHandleClosed)

		loaded, err := h2.Load(ctx, id)
		require.NoError(t, err, "closing one handle must not affect another")
		assert.Equal(t, id, loaded.ID)
	})

	t.Run("Concurrent Runs", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				h, err := opener.Open(ctx)
				if !assert.NoError(t, err) {
					return
				}
				defer h.Close()
				id := runID + "-conc-" + string(rune('a'+i))
				assert.NoError(t, h.Create(ctx, domain.NewRun(id, "g", nil)))
				for step := 1; step <= 3; step++ {
					state := domain.State{"step": step}
					hist := make([]domain.StepRecord, step)
					for j := range hist {
						hist[j] = domain.StepRecord{Step: j + 1, Node: "N", State: domain.State{"step": j + 1}}
					}
					assert.NoError(t, h.Save(ctx, id, domain.RunPatch{State: state, History: hist}))
				}
				loaded, err := h.Load(ctx, id)
				if assert.NoError(t, err) {
					assert.Len(t, loaded.History, 3)
				}
				_ = h.Delete(ctx, id)
			}(i)
		}
		wg.Wait()
	})
}

// EventSinkContract verifies the fan-out semantics of an EventSink.
func EventSinkContract(t *testing.T, sink EventSink) {
	ctx := context.Background()

	receive := func(t *testing.T, ch <-chan domain.Event) domain.Event {
		t.Helper()
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "channel closed before event arrived")
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return domain.Event{}
	}

	t.Run("Publish Without Subscribers", func(t *testing.T) {
		err := sink.Publish(ctx, "nobody-listens", domain.NewStepEvent("nobody-listens", domain.StepRecord{Step: 1, Node: "A"}, nil))
		assert.NoError(t, err)
	})

	t.Run("Fan Out", func(t *testing.T) {
		runID := "fanout-" + time.Now().Format("150405.000000000")
		ch1, cancel1, err := sink.Subscribe(ctx, runID)
		require.NoError(t, err)
		defer cancel1()
		ch2, cancel2, err := sink.Subscribe(ctx, runID)
		require.NoError(t, err)
		defer cancel2()

		rec := domain.StepRecord{Step: 1, Node: "A", State: domain.State{"x": 1}}
		require.NoError(t, sink.Publish(ctx, runID, domain.NewStepEvent(runID, rec, []string{"x"})))

		for _, ch := range []<-chan domain.Event{ch1, ch2} {
			ev := receive(t, ch)
			assert.Equal(t, domain.EventStep, ev.Kind)
			assert.Equal(t, 1, ev.Step.Step)
			assert.Equal(t, "A", ev.Step.Node)
		}
	})

	t.Run("Runs Are Isolated", func(t *testing.T) {
		suffix := time.Now().Format("150405.000000000")
		chA, cancelA, err := sink.Subscribe(ctx, "iso-a-"+suffix)
		require.NoError(t, err)
		defer cancelA()

		require.NoError(t, sink.Publish(ctx, "iso-b-"+suffix, domain.NewStepEvent("iso-b", domain.StepRecord{Step: 1, Node: "B"}, nil)))
		require.NoError(t, sink.Publish(ctx, "iso-a-"+suffix, domain.NewStepEvent("iso-a", domain.StepRecord{Step: 1, Node: "A"}, nil)))

		ev := receive(t, chA)
		assert.Equal(t, "A", ev.Step.Node, "subscriber must only see its own run")
	})

	t.Run("Terminal Closes Subscription", func(t *testing.T) {
		runID := "terminal-" + time.Now().Format("150405.000000000")
		ch, cancel, err := sink.Subscribe(ctx, runID)
		require.NoError(t, err)
		defer cancel()

		require.NoError(t, sink.Publish(ctx, runID, domain.NewCompletedEvent(runID, domain.State{"done": true})))

		ev := receive(t, ch)
		assert.True(t, ev.IsTerminal())
		assert.Equal(t, domain.StatusCompleted, ev.Status)

		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel should be closed after terminal event")
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed after terminal event")
		}
	})

	t.Run("Terminal Survives Full Buffer", func(t *testing.T) {
		runID := "slow-" + time.Now().Format("150405.000000000")
		ch, cancel, err := sink.Subscribe(ctx, runID)
		require.NoError(t, err)
		defer cancel()

		// Nobody reads while the run publishes far more than any buffer holds.
		for i := 1; i <= 50; i++ {
			rec := domain.StepRecord{Step: i, Node: "A"}
			require.NoError(t, sink.Publish(ctx, runID, domain.NewStepEvent(runID, rec, nil)))
		}
		require.NoError(t, sink.Publish(ctx, runID, domain.NewCompletedEvent(runID, domain.State{"done": true})))

		var last domain.Event
		timeout := time.After(5 * time.Second)
	drain:
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					break drain
				}
				last = ev
			case <-timeout:
				t.Fatal("channel not closed after terminal event")
			}
		}
		assert.True(t, last.IsTerminal(), "terminal event must be delivered last")
		assert.Equal(t, domain.StatusCompleted, last.Status)
	})

	t.Run("Subscribers Get Own Copy", func(t *testing.T) {
		runID := "copy-" + time.Now().Format("150405.000000000")
		ch1, cancel1, err := sink.Subscribe(ctx, runID)
		require.NoError(t, err)
		defer cancel1()
		ch2, cancel2, err := sink.Subscribe(ctx, runID)
		require.NoError(t, err)
		defer cancel2()

		rec := domain.StepRecord{Step: 1, Node: "A", State: domain.State{"x": "orig"}}
		require.NoError(t, sink.Publish(ctx, runID, domain.NewStepEvent(runID, rec, []string{"x"})))

		first := receive(t, ch1)
		first.Step.State["x"] = "mutated"
		second := receive(t, ch2)
		assert.Equal(t, "orig", second.Step.State["x"])
		assert.Equal(t, "orig", rec.State["x"], "publisher's record must not change")
	})

	t.Run("Cancel Detaches", func(t *testing.T) {
		runID := "cancel-" + time.Now().Format("150405.000000000")
		ch, cancel, err := sink.Subscribe(ctx, runID)
		require.NoError(t, err)
		cancel()
		cancel() // idempotent

		assert.NoError(t, sink.Publish(ctx, runID, domain.NewStepEvent(runID, domain.StepRecord{Step: 1}, nil)))
		for range ch {
			// drain until closed
		}
	})
}
