package fat

import (
	"container/heap"

	"github.com/deploymenttheory/go-undelete/internal/interfaces"
)

// Scheduler names accepted by NewScheduler
const (
	SchedulerHeap = "heap"
	SchedulerFIFO = "fifo"
)

// NewScheduler returns the cluster read ordering registered under kind.
// Unknown names fall back to the elevator order.
func NewScheduler(kind string) interfaces.ClusterScheduler {
	if kind == SchedulerFIFO {
		return &FIFOScheduler{}
	}
	return &HeapScheduler{}
}

type clusterHeap []interfaces.ClusterRequest

func (h clusterHeap) Len() int { return len(h) }
func (h clusterHeap) Less(i, j int) bool {
	if h[i].Cluster != h[j].Cluster {
		return h[i].Cluster < h[j].Cluster
	}
	return h[i].Seq < h[j].Seq
}
func (h clusterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *clusterHeap) Push(x any) {
	*h = append(*h, x.(interfaces.ClusterRequest))
}

func (h *clusterHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// HeapScheduler reads clusters in one ascending sweep over the disk at a
// time. Requests behind the current head position wait for the next sweep.
type HeapScheduler struct {
	ahead  clusterHeap
	behind clusterHeap
	pos    uint32
}

// Schedule queues a request ahead of or behind the head position
func (s *HeapScheduler) Schedule(req interfaces.ClusterRequest) {
	if req.Cluster >= s.pos {
		heap.Push(&s.ahead, req)
	} else {
		heap.Push(&s.behind, req)
	}
}

// Next returns the lowest cluster ahead of the head, starting a new sweep
// when nothing is left ahead
func (s *HeapScheduler) Next() (interfaces.ClusterRequest, bool) {
	if s.ahead.Len() == 0 {
		s.ahead, s.behind = s.behind, s.ahead
		s.pos = 0
	}
	if s.ahead.Len() == 0 {
		return interfaces.ClusterRequest{}, false
	}
	req := heap.Pop(&s.ahead).(interfaces.ClusterRequest)
	s.pos = req.Cluster + 1
	return req, true
}

// Pending returns the number of queued requests
func (s *HeapScheduler) Pending() int {
	return s.ahead.Len() + s.behind.Len()
}

// FIFOScheduler returns requests in the order they were queued
type FIFOScheduler struct {
	queue []interfaces.ClusterRequest
}

// Schedule appends a request
func (s *FIFOScheduler) Schedule(req interfaces.ClusterRequest) {
	s.queue = append(s.queue, req)
}

// Next pops the oldest request
func (s *FIFOScheduler) Next() (interfaces.ClusterRequest, bool) {
	if len(s.queue) == 0 {
		return interfaces.ClusterRequest{}, false
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	return req, true
}

// Pending returns the number of queued requests
func (s *FIFOScheduler) Pending() int {
	return len(s.queue)
}
