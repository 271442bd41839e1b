package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLockFreeQueue_MPSC(t *testing.T) {
	q := NewLockFreeQueue[int]()
	producers := 8
	itemsPerProducer := 10000

	var wg sync.WaitGroup
	var sentSum int64

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				val := pid*itemsPerProducer + i + 1
				q.Enqueue(val)
				atomic.AddInt64(&sentSum, int64(val))
			}
		}(p)
	}

	var receivedSum int64
	received := 0
	total := producers * itemsPerProducer
	lastPerProducer := make([]int, producers)
	for received < total {
		val, ok := q.Dequeue()
		if !ok {
			runtime.Gosched()
			continue
		}
		pid := (val - 1) / itemsPerProducer
		if val <= lastPerProducer[pid] {
			t.Fatalf("producer %d order violated: %d after %d", pid, val, lastPerProducer[pid])
		}
		lastPerProducer[pid] = val
		receivedSum += int64(val)
		received++
	}
	wg.Wait()

	if receivedSum != atomic.LoadInt64(&sentSum) {
		t.Errorf("sum mismatch: sent %d, received %d", sentSum, receivedSum)
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("queue should be empty")
	}
}

func TestLockFreeQueue_EmptyDequeue(t *testing.T) {
	q := NewLockFreeQueue[string]()
	if _, ok := q.Dequeue(); ok {
		t.Fatal("dequeue on empty queue reported an item")
	}
	q.Enqueue("a")
	q.Enqueue("b")
	for _, want := range []string{"a", "b"} {
		got, ok := q.Dequeue()
		if !ok || got != want {
			t.Fatalf("got %q,%v want %q", got, ok, want)
		}
	}
}
