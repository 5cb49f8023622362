package timeline

// Scroll tracks the viewer's position relative to the newest message.
// The view follows new messages only when the viewer was already at the
// bottom; otherwise it keeps its position and counts what arrived below.
type Scroll struct {
	atBottom bool
	unseen   int
}

func NewScroll() *Scroll {
	return &Scroll{atBottom: true}
}

// Moved records a scroll position change.
func (s *Scroll) Moved(atBottom bool) {
	s.atBottom = atBottom
	if atBottom {
		s.unseen = 0
	}
}

// Appended is called after added messages were appended at the bottom. It
// reports whether the view should jump to the newest message.
func (s *Scroll) Appended(added int) bool {
	if s.atBottom {
		return true
	}
	s.unseen += added
	return false
}

// JumpToLatest returns how many messages arrived below the viewport; zero
// hides the affordance.
func (s *Scroll) JumpToLatest() int {
	return s.unseen
}

// Reset is called on channel switch and after sending.
func (s *Scroll) Reset() {
	s.atBottom = true
	s.unseen = 0
}
