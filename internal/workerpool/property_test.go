package workerpool

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestProperty_PendingTaskIDsUnique 并发提交的待处理任务之间 ID 互不相同
func TestProperty_PendingTaskIDsUnique(t *testing.T) {
	p := startPool(t, "poll", nil)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(rt, "tasks")

		var (
			mu    sync.Mutex
			tasks []*Task
			wg    sync.WaitGroup
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				task, err := p.Submit(context.Background(), fakePayload{Hold: true}, 0)
				if err != nil {
					return
				}
				mu.Lock()
				tasks = append(tasks, task)
				mu.Unlock()
			}()
		}
		wg.Wait()

		if len(tasks) != n {
			rt.Fatalf("submitted %d of %d tasks", len(tasks), n)
		}
		seen := make(map[string]struct{}, n)
		for _, task := range tasks {
			if _, dup := seen[task.ID()]; dup {
				rt.Fatalf("duplicate task id %s", task.ID())
			}
			seen[task.ID()] = struct{}{}
		}
		if got := p.PendingCount(); got != n {
			rt.Fatalf("pending = %d, want %d", got, n)
		}

		// 取消全部任务，为下一轮清空待处理表
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		for _, task := range tasks {
			_, _ = task.Wait(ctx)
		}
		if got := p.PendingCount(); got != 0 {
			rt.Fatalf("pending after cancel = %d", got)
		}
	})
}

// TestProperty_TaskResolvedOnce 同一任务无论竞争多少次结算，只有一次生效
func TestProperty_TaskResolvedOnce(t *testing.T) {
	p := startPool(t, "poll", nil)

	rapid.Check(t, func(rt *rapid.T) {
		racers := rapid.IntRange(2, 16).Draw(rt, "racers")

		task, err := p.Submit(context.Background(), fakePayload{Hold: true}, 0)
		require.NoError(rt, err)

		var (
			wg   sync.WaitGroup
			wins int
			mu   sync.Mutex
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if p.complete(task.ID(), outcome{}) {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if wins != 1 {
			rt.Fatalf("task resolved %d times", wins)
		}
		if _, err := task.Wait(context.Background()); err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
	})
}
