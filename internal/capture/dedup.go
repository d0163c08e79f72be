package capture

// dedupSet is a fixed-capacity set of recently seen identifiers. When full,
// the oldest entry is evicted, so memory stays bounded no matter how many
// distinct tokens flow past the hook. Not safe for concurrent use; each
// Filter owns one.
type dedupSet struct {
	members map[string]struct{}
	order   []string
	next    int
}

func newDedupSet(capacity int) *dedupSet {
	if capacity < 1 {
		capacity = 1
	}
	return &dedupSet{
		members: make(map[string]struct{}, capacity),
		order:   make([]string, capacity),
	}
}

// seen records key and reports whether it was already present.
func (d *dedupSet) seen(key string) bool {
	if _, ok := d.members[key]; ok {
		return true
	}
	if old := d.order[d.next]; old != "" {
		delete(d.members, old)
	}
	d.members[key] = struct{}{}
	d.order[d.next] = key
	d.next = (d.next + 1) % len(d.order)
	return false
}
