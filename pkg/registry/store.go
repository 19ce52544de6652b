// Package registry holds a node's view of the mesh: every declaration it
// has been told about, plus the lookups the command layer runs over them.
package registry

import (
	"sort"
	"sync"

	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// Store maps NodeID to the latest declaration received for that node.
// Stored declarations are private copies and are replaced, never mutated,
// so values returned by Get and All may be read without locking but must
// not be modified.
type Store struct {
	mu    sync.RWMutex
	decls map[string]*protocol.NodeDeclaration
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{decls: make(map[string]*protocol.NodeDeclaration)}
}

// Set stores a copy of decl, replacing any previous entry. It reports
// whether the node was already known.
func (s *Store) Set(decl *protocol.NodeDeclaration) bool {
	c := decl.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.decls[c.NodeID]
	s.decls[c.NodeID] = c
	return existed
}

// Get returns the declaration for id, or nil.
func (s *Store) Get(id string) *protocol.NodeDeclaration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decls[id]
}

// Has reports whether id is known.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.decls[id]
	return ok
}

// Delete removes id and reports whether it was present.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.decls[id]
	delete(s.decls, id)
	return ok
}

// All returns a snapshot of the map.
func (s *Store) All() map[string]*protocol.NodeDeclaration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*protocol.NodeDeclaration, len(s.decls))
	for id, d := range s.decls {
		out[id] = d
	}
	return out
}

// IDs returns the known node IDs, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.decls))
	for id := range s.decls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of known nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.decls)
}

// sorted returns declarations ordered by NodeID.
func (s *Store) sorted() []*protocol.NodeDeclaration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*protocol.NodeDeclaration, 0, len(s.decls))
	for _, d := range s.decls {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
