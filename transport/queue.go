package transport

import "container/heap"

type queueItem struct {
	priority Priority
	seq      uint64
	msg      []byte
}

// outQueue is a min-heap on (priority, seq), so frames of the same priority keep their order
type outQueue []queueItem

func (q outQueue) Len() int { return len(q) }

func (q outQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q outQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *outQueue) Push(x any) {
	*q = append(*q, x.(queueItem))
}

func (q *outQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = queueItem{}
	*q = old[:n-1]
	return item
}

func (q *outQueue) push(item queueItem) {
	heap.Push(q, item)
}

func (q *outQueue) pop() queueItem {
	return heap.Pop(q).(queueItem)
}
