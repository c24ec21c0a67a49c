package resource

// arena is a slot table with a free list. It is not safe for concurrent use.
type arena struct {
	entries  []*Ref
	freeList []Slot
	live     int
}

func newArena() arena {
	return arena{
		entries:  make([]*Ref, 0, 64),
		freeList: make([]Slot, 0, 16),
	}
}

// insert stores ref and assigns its slot.
func (a *arena) insert(ref *Ref) Slot {
	a.live++
	if len(a.freeList) > 0 {
		slot := a.freeList[len(a.freeList)-1]
		a.freeList = a.freeList[:len(a.freeList)-1]
		a.entries[slot-1] = ref
		ref.slot = slot
		return slot
	}

	a.entries = append(a.entries, ref)
	ref.slot = Slot(len(a.entries))
	return ref.slot
}

func (a *arena) get(slot Slot) (*Ref, bool) {
	if slot == 0 || int(slot) > len(a.entries) {
		return nil, false
	}
	ref := a.entries[slot-1]
	return ref, ref != nil
}

// remove frees the slot held by ref. It reports false when ref does not own
// that slot.
func (a *arena) remove(ref *Ref) bool {
	cur, ok := a.get(ref.slot)
	if !ok || cur != ref {
		return false
	}
	a.entries[ref.slot-1] = nil
	a.freeList = append(a.freeList, ref.slot)
	a.live--
	ref.slot = 0
	return true
}

// takeAll empties the arena and returns the refs it held in slot order.
func (a *arena) takeAll() []*Ref {
	refs := make([]*Ref, 0, a.live)
	for _, ref := range a.entries {
		if ref != nil {
			ref.slot = 0
			refs = append(refs, ref)
		}
	}
	a.entries = nil
	a.freeList = nil
	a.live = 0
	return refs
}

func (a *arena) len() int { return a.live }
