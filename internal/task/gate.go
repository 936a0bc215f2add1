package task

// WaitsOn reports whether t must wait for other to finish before its remote
// phase may proceed: other is older (creation time, scheduler sequence as
// tiebreak) and the two tasks touch at least one common object id. Field
// changes to a shared object are thereby applied in creation order; a newer
// task's diff is never computed against a pre-older-task snapshot.
//
// The scheduler evaluates the predicate against unfinished tasks only;
// ordering assumes a single local task stream.
func (t *Task) WaitsOn(other *Task) bool {
	if other == nil || other == t {
		return false
	}

	if !t.isNewerThan(other) {
		return false
	}

	return intersects(t.TargetIDs(), other.TargetIDs())
}

func (t *Task) isNewerThan(other *Task) bool {
	if t.createdAt.Equal(other.createdAt) {
		return t.seq > other.seq
	}

	return t.createdAt.After(other.createdAt)
}

func intersects(a, b []string) bool {
	if len(a) > len(b) {
		a, b = b, a
	}

	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}

	for _, id := range b {
		if set[id] {
			return true
		}
	}

	return false
}
