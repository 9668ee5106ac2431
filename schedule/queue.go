package schedule

import (
	"container/heap"

	"github.com/remotehaptics/remotehaptics/api"
)

// pendingCommand is a scheduled command awaiting dispatch, pinned to the
// playback sequence number it was computed against.
type pendingCommand struct {
	cmd api.Command
	seq uint64
	// ord breaks dispatch-time ties in insertion order.
	ord int64
}

// commandQueue is a min-heap of pending commands ordered by dispatch
// time, then insertion order.
type commandQueue struct {
	items []pendingCommand
}

func newCommandQueue() *commandQueue {
	q := &commandQueue{}
	heap.Init(q)
	return q
}

func (q *commandQueue) Len() int { return len(q.items) }

func (q *commandQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.cmd.DispatchTime.Equal(b.cmd.DispatchTime) {
		return a.ord < b.ord
	}
	return a.cmd.DispatchTime.Before(b.cmd.DispatchTime)
}

func (q *commandQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *commandQueue) Push(x interface{}) {
	q.items = append(q.items, x.(pendingCommand))
}

func (q *commandQueue) Pop() interface{} {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item
}

func (q *commandQueue) peek() pendingCommand {
	return q.items[0]
}

func (q *commandQueue) push(p pendingCommand) {
	heap.Push(q, p)
}

func (q *commandQueue) pop() pendingCommand {
	return heap.Pop(q).(pendingCommand)
}

// dropStale removes every pending command scheduled against a sequence
// number other than seq and returns how many were dropped.
func (q *commandQueue) dropStale(seq uint64) int {
	kept := q.items[:0]
	dropped := 0
	for _, p := range q.items {
		if p.seq == seq {
			kept = append(kept, p)
		} else {
			dropped++
		}
	}
	q.items = kept
	heap.Init(q)
	return dropped
}
