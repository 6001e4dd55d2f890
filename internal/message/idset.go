package message

// IDSet is an ordered set of user ids. Operations return new sets and never
// modify the receiver.
type IDSet []string

// NewIDSet builds a set from ids, dropping empties and duplicates.
func NewIDSet(ids ...string) IDSet {
	set := make(IDSet, 0, len(ids))
	for _, id := range ids {
		if id != "" && !set.Contains(id) {
			set = append(set, id)
		}
	}
	return set
}

// Contains reports whether id is a member.
func (s IDSet) Contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Add returns s with ids appended if absent.
func (s IDSet) Add(ids ...string) IDSet {
	return NewIDSet(append(append([]string{}, s...), ids...)...)
}

// Remove returns s without ids.
func (s IDSet) Remove(ids ...string) IDSet {
	out := make(IDSet, 0, len(s))
	for _, v := range s {
		if !IDSet(ids).Contains(v) {
			out = append(out, v)
		}
	}
	return out
}

// Slice returns the members as a plain, non-nil slice.
func (s IDSet) Slice() []string {
	return append([]string{}, s...)
}
