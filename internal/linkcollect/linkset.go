package linkcollect

import "github.com/Patrickmaimai/web-crawler-corpus/pkg/types"

// LinkSet is an insertion-ordered set of links keyed by URL. It only grows.
type LinkSet struct {
	index map[string]int
	links []types.Link
}

// NewLinkSet returns an empty set.
func NewLinkSet() *LinkSet {
	return &LinkSet{index: make(map[string]int)}
}

// Add inserts l and reports whether it was new. A known link without a title picks up l's title.
func (s *LinkSet) Add(l types.Link) bool {
	if l.URL == "" {
		return false
	}
	if i, ok := s.index[l.URL]; ok {
		if s.links[i].Title == "" && l.Title != "" {
			s.links[i].Title = l.Title
		}
		return false
	}
	s.index[l.URL] = len(s.links)
	s.links = append(s.links, l)
	return true
}

// Contains reports whether rawURL is already in the set.
func (s *LinkSet) Contains(rawURL string) bool {
	_, ok := s.index[rawURL]
	return ok
}

// Len returns the number of links.
func (s *LinkSet) Len() int {
	return len(s.links)
}

// Links returns a copy of the links in insertion order.
func (s *LinkSet) Links() []types.Link {
	out := make([]types.Link, len(s.links))
	copy(out, s.links)
	return out
}
