package workq

import "container/list"

// Lists holds a group's three ordered work-item lists: deferred,
// pending-transfer, and barrier. Not safe for concurrent use on its own --
// the owning group.Group serializes access under its coll_state_lock.
type Lists struct {
	Deferred *list.List
	Pending  *list.List
	Barrier  *list.List
}

func NewLists() *Lists {
	return &Lists{Deferred: list.New(), Pending: list.New(), Barrier: list.New()}
}

func (l *Lists) PushDeferred(it *Item) {
	it.listEl = l.Deferred.PushBack(it)
}

func (l *Lists) PopFrontDeferred() *Item {
	e := l.Deferred.Front()
	if e == nil {
		return nil
	}
	l.Deferred.Remove(e)
	it := e.Value.(*Item)
	it.listEl = nil
	return it
}

// PushPendingBack transfers it from the deferred list (where it has already
// been popped) onto the tail of the pending-transfer list.
func (l *Lists) PushPendingBack(it *Item) {
	it.listEl = l.Pending.PushBack(it)
}

// PushPendingFront restores a transiently-refused item to the head of the
// pending-transfer list for retry.
func (l *Lists) PushPendingFront(it *Item) {
	it.listEl = l.Pending.PushFront(it)
}

func (l *Lists) PopFrontPending() *Item {
	e := l.Pending.Front()
	if e == nil {
		return nil
	}
	l.Pending.Remove(e)
	it := e.Value.(*Item)
	it.listEl = nil
	return it
}

// LinkBarrier adds it to the barrier list, independent of its
// deferred/pending list membership.
func (l *Lists) LinkBarrier(it *Item) {
	it.barrierEl = l.Barrier.PushBack(it)
}

// UnlinkBarrier removes it from the barrier list and frees the item.
func (l *Lists) UnlinkBarrier(it *Item) {
	if it.barrierEl != nil {
		l.Barrier.Remove(it.barrierEl)
		it.barrierEl = nil
	}
}

// FindByTag scans the barrier list for the first item whose tag matches.
// Linear scan is intentional -- barrier
// lists hold at most O(log N) outstanding transfers for a single
// collective, never the whole group membership.
func (l *Lists) FindByTag(tag uint64) *Item {
	for e := l.Barrier.Front(); e != nil; e = e.Next() {
		it := e.Value.(*Item)
		if uint64(it.Tag) == tag {
			return it
		}
	}
	return nil
}

func (l *Lists) BarrierEmpty() bool { return l.Barrier.Len() == 0 }
func (l *Lists) BarrierLen() int    { return l.Barrier.Len() }
func (l *Lists) DeferredLen() int   { return l.Deferred.Len() }
func (l *Lists) PendingLen() int    { return l.Pending.Len() }

// PurgeCollective removes every item tagged with collID from all three
// lists -- the rollback policy for Open Question #2.
func (l *Lists) PurgeCollective(collID uint32) {
	purgeListWhere(l.Deferred, collID)
	purgeListWhere(l.Pending, collID)
	purgeListWhere(l.Barrier, collID)
}

func purgeListWhere(lst *list.List, collID uint32) {
	for e := lst.Front(); e != nil; {
		next := e.Next()
		if it, ok := e.Value.(*Item); ok && it.CollID == collID {
			lst.Remove(e)
		}
		e = next
	}
}
