package proxy

import "sync"

// Balancer picks pool members by smooth weighted round-robin: over any
// window of sum(weights) picks each member is chosen weight times, and
// picks of heavier members are spread out rather than bunched.
type Balancer struct {
	mu      sync.Mutex
	members []*wrrMember
}

type wrrMember struct {
	Member
	current int
}

func NewBalancer(members []Member) *Balancer {
	b := &Balancer{members: make([]*wrrMember, 0, len(members))}
	for _, m := range members {
		b.members = append(b.members, &wrrMember{Member: m})
	}
	return b
}

// Next returns the next member for which eligible reports true.
// eligible may be nil. ok is false when no member is eligible.
func (b *Balancer) Next(eligible func(id string) bool) (Member, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *wrrMember
	total := 0
	for _, m := range b.members {
		if eligible != nil && !eligible(m.ID) {
			continue
		}
		m.current += m.Weight
		total += m.Weight
		if best == nil || m.current > best.current {
			best = m
		}
	}
	if best == nil {
		return Member{}, false
	}
	best.current -= total
	return best.Member, true
}

// Members returns the configured members in order.
func (b *Balancer) Members() []Member {
	out := make([]Member, 0, len(b.members))
	for _, m := range b.members {
		out = append(out, m.Member)
	}
	return out
}
