package comms

import (
	"container/heap"
	"time"

	"switchboard/pkg/proto"
)

// Priority weights. Every message starts from the base and accumulates
// bonuses; higher totals drain first.
const (
	priorityBase       = 50
	bonusClarify       = 20
	bonusQuery         = 10
	bonusHighPriority  = 30
	penaltyLowPriority = 20
	bonusUrgent        = 40
	urgencyWindow      = 5 * time.Second
)

// computePriority derives the queue priority for a message at enqueue
// time. CLARIFY outranks QUERY outranks the rest; explicit priority and
// imminent expiry shift the total further.
func computePriority(msg *proto.AgentMsg, now time.Time) int {
	p := priorityBase
	switch msg.Type {
	case proto.MsgTypeCLARIFY:
		p += bonusClarify
	case proto.MsgTypeQUERY:
		p += bonusQuery
	}
	switch msg.Priority {
	case proto.PriorityHigh:
		p += bonusHighPriority
	case proto.PriorityLow:
		p -= penaltyLowPriority
	}
	if msg.ExpiresAt != nil && msg.ExpiresAt.Sub(now) <= urgencyWindow {
		p += bonusUrgent
	}
	return p
}

type queueItem struct {
	msg      *proto.AgentMsg
	priority int
	queuedAt time.Time
	seq      uint64 // tie-break for identical queuedAt
}

// messageQueue is a max-heap on priority with FIFO among equals.
type messageQueue []*queueItem

func (q messageQueue) Len() int { return len(q) }

func (q messageQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	if !q[i].queuedAt.Equal(q[j].queuedAt) {
		return q[i].queuedAt.Before(q[j].queuedAt)
	}
	return q[i].seq < q[j].seq
}

func (q messageQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *messageQueue) Push(x any) {
	*q = append(*q, x.(*queueItem))
}

func (q *messageQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q *messageQueue) push(item *queueItem) {
	heap.Push(q, item)
}

func (q *messageQueue) pop() *queueItem {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*queueItem)
}

// removeFor drops every queued message addressed to or sent by the agent
// and returns the removed items.
func (q *messageQueue) removeFor(agentID string) []*queueItem {
	var kept messageQueue
	var removed []*queueItem
	for _, item := range *q {
		if item.msg.ToAgent == agentID || item.msg.FromAgent == agentID {
			removed = append(removed, item)
			continue
		}
		kept = append(kept, item)
	}
	*q = kept
	heap.Init(q)
	return removed
}
