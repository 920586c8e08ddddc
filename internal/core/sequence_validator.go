package core

// SequenceValidator checks mark price sequences per source. Stale updates
// are ignored; gaps are tolerated and counted since a newer price supersedes
// the ones that were skipped.
// Not thread-safe: only accessed from the owning market worker.
type SequenceValidator struct {
	lastSeq map[string]int64 // source -> last accepted sequence
	gaps    map[string]int64
	stale   map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		lastSeq: make(map[string]int64),
		gaps:    make(map[string]int64),
		stale:   make(map[string]int64),
	}
}

// ValidatePriceSequence reports whether an update with seq from source should
// be applied, and whether it skipped sequence numbers.
func (sv *SequenceValidator) ValidatePriceSequence(source string, seq int64) (accept, gap bool) {
	last, seen := sv.lastSeq[source]
	if seen && seq <= last {
		sv.stale[source]++
		return false, false
	}
	if seen && seq > last+1 {
		sv.gaps[source]++
		gap = true
	}
	sv.lastSeq[source] = seq
	return true, gap
}

// LastSequence returns the last accepted sequence of source.
func (sv *SequenceValidator) LastSequence(source string) (int64, bool) {
	seq, ok := sv.lastSeq[source]
	return seq, ok
}

// SetLastSequence initializes a source, used when restoring from the database.
func (sv *SequenceValidator) SetLastSequence(source string, seq int64) {
	sv.lastSeq[source] = seq
}

func (sv *SequenceValidator) Gaps(source string) int64 {
	return sv.gaps[source]
}

func (sv *SequenceValidator) Stale(source string) int64 {
	return sv.stale[source]
}
