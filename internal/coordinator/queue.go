package coordinator

import (
	"container/heap"

	"github.com/apcdev/apc/internal/workflow"
)

// pendingQueue orders workflows waiting to start. Lower priority numbers
// start first; ties break on enqueue time.
type pendingQueue []*workflow.Workflow

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority < q[j].Priority
	}
	return q[i].EnqueuedAt.Before(q[j].EnqueuedAt)
}

func (q pendingQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pendingQueue) Push(x any) { *q = append(*q, x.(*workflow.Workflow)) }

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return w
}

func (q *pendingQueue) push(w *workflow.Workflow) { heap.Push(q, w) }

func (q *pendingQueue) peek() *workflow.Workflow {
	if len(*q) == 0 {
		return nil
	}
	return (*q)[0]
}

func (q *pendingQueue) pop() *workflow.Workflow {
	if len(*q) == 0 {
		return nil
	}
	return heap.Pop(q).(*workflow.Workflow)
}

// remove extracts a workflow by id, returning nil when absent.
func (q *pendingQueue) remove(workflowID string) *workflow.Workflow {
	for i, w := range *q {
		if w.ID == workflowID {
			heap.Remove(q, i)
			return w
		}
	}
	return nil
}
