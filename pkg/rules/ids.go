package rules

import "fmt"

// IDRange hands out rule IDs from a private window [Base, Base+Span) so they
// never collide with other rule producers. IDs rotate through the window and
// skip any ID still in use.
type IDRange struct {
	Base int
	Span int
	next int
}

// NewIDRange creates an IDRange.
func NewIDRange(base, span int) *IDRange {
	return &IDRange{Base: base, Span: span}
}

// Owns reports whether id belongs to the range.
func (r *IDRange) Owns(id int) bool {
	return id >= r.Base && id < r.Base+r.Span
}

// Allocate returns n IDs that are not in inUse.
func (r *IDRange) Allocate(n int, inUse map[int]struct{}) ([]int, error) {
	if n+len(inUse) > r.Span {
		return nil, fmt.Errorf("rule id range exhausted: need %d, %d in use, span %d", n, len(inUse), r.Span)
	}
	out := make([]int, 0, n)
	for len(out) < n {
		id := r.Base + r.next
		r.next = (r.next + 1) % r.Span
		if _, busy := inUse[id]; busy {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
