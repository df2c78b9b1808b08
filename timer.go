package pgm

import (
	"container/heap"
	"sync"
	"time"
)

// timerQueue orders pending actions by absolute deadline. The transport
// exposes the minimum deadline so the host can block on its own event
// mechanism, then calls back in to fire whatever expired.

type timerAction func(now time.Time)

type timerItem struct {
	deadline time.Time
	action   timerAction

	// the index of the item in the heap, -1 once removed
	heapIndex int
}

type timerQueue struct {
	stateLock sync.Mutex
	items     []*timerItem
}

func newTimerQueue() *timerQueue {
	timerQueue := &timerQueue{
		items: []*timerItem{},
	}
	heap.Init(timerQueue)
	return timerQueue
}

func (self *timerQueue) Add(deadline time.Time, action timerAction) *timerItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item := &timerItem{
		deadline: deadline,
		action:   action,
	}
	heap.Push(self, item)
	return item
}

func (self *timerQueue) Remove(item *timerItem) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if item.heapIndex < 0 {
		// already fired or removed
		return
	}
	heap.Remove(self, item.heapIndex)
	item.heapIndex = -1
}

// Reschedule moves an item to a new deadline, re-adding if it already fired.
func (self *timerQueue) Reschedule(item *timerItem, deadline time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item.deadline = deadline
	if item.heapIndex < 0 {
		heap.Push(self, item)
	} else {
		heap.Fix(self, item.heapIndex)
	}
}

// NextDeadline returns the earliest pending deadline, or the zero time when
// nothing is scheduled.
func (self *timerQueue) NextDeadline() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.items) == 0 {
		return time.Time{}
	}
	return self.items[0].deadline
}

// popExpired removes and returns the expired items in deadline order.
// Actions are fired by the caller outside the state lock.
func (self *timerQueue) popExpired(now time.Time) []*timerItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var expired []*timerItem
	for 0 < len(self.items) && !now.Before(self.items[0].deadline) {
		item := heap.Pop(self).(*timerItem)
		item.heapIndex = -1
		expired = append(expired, item)
	}
	return expired
}

// Process fires every action whose deadline has passed.
func (self *timerQueue) Process(now time.Time) {
	for _, item := range self.popExpired(now) {
		item.action(now)
	}
}

// heap.Interface

func (self *timerQueue) Len() int {
	return len(self.items)
}

func (self *timerQueue) Less(i int, j int) bool {
	return self.items[i].deadline.Before(self.items[j].deadline)
}

func (self *timerQueue) Swap(i int, j int) {
	a := self.items[i]
	b := self.items[j]
	b.heapIndex = i
	self.items[i] = b
	a.heapIndex = j
	self.items[j] = a
}

func (self *timerQueue) Push(x any) {
	item := x.(*timerItem)
	item.heapIndex = len(self.items)
	self.items = append(self.items, item)
}

func (self *timerQueue) Pop() any {
	n := len(self.items)
	item := self.items[n-1]
	self.items[n-1] = nil
	self.items = self.items[0 : n-1]
	return item
}
