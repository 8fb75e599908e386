package category

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore keeps the tree in a map. It backs tests and the memory mode
// of the service binary.
type MemStore struct {
	mu     sync.RWMutex
	m      map[int64]Category
	nextID int64
}

func NewMemStore() *MemStore {
	s := &MemStore{m: map[int64]Category{}, nextID: RootID + 1}
	now := time.Now().UTC()
	s.m[RootID] = Category{
		ID:        RootID,
		ParentID:  0,
		Path:      "1",
		Name:      "Root",
		Level:     1,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s
}

// SeedDemo fills the store with a small tree for local runs:
//
//	1
//	├── 2 Electronics
//	│   ├── 5 Phones
//	│   └── 6 Laptops
//	├── 3 Books
//	└── 4 Clothing
func (s *MemStore) SeedDemo() {
	seed := []NewCategory{
		{ParentID: RootID, Name: "Electronics", Position: 1, IsActive: true},
		{ParentID: RootID, Name: "Books", Position: 2, IsActive: true},
		{ParentID: RootID, Name: "Clothing", Position: 3, IsActive: true},
		{ParentID: 2, Name: "Phones", Position: 1, IsActive: true},
		{ParentID: 2, Name: "Laptops", Position: 2, IsActive: true},
	}
	ctx := context.Background()
	for _, nc := range seed {
		_, _ = s.Create(ctx, nc)
	}
}

func (s *MemStore) Ping(ctx context.Context) error { return nil }

func (s *MemStore) Get(ctx context.Context, id int64) (Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.m[id]
	if !ok {
		return Category{}, ErrNotFound
	}
	return c, nil
}

func (s *MemStore) IDsByPathPrefix(ctx context.Context, prefix string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int64, 0, len(s.m))
	for _, c := range s.m {
		if strings.HasPrefix(c.Path, prefix) {
			out = append(out, c.ID)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemStore) List(ctx context.Context) ([]Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Category, 0, len(s.m))
	for _, c := range s.m {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemStore) Children(ctx context.Context, parentID int64) ([]Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Category, 0, 4)
	for _, c := range s.m {
		if c.ParentID == parentID {
			out = append(out, c)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemStore) Create(ctx context.Context, nc NewCategory) (Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.m[nc.ParentID]
	if !ok {
		return Category{}, ErrParentMissing
	}

	id := s.nextID
	s.nextID++

	now := time.Now().UTC()
	c := Category{
		ID:        id,
		ParentID:  parent.ID,
		Path:      childPath(parent.Path, id),
		Name:      nc.Name,
		Level:     parent.Level + 1,
		Position:  nc.Position,
		IsActive:  nc.IsActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.m[id] = c
	return c, nil
}

func (s *MemStore) Update(ctx context.Context, id int64, uc UpdateCategory) (Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.m[id]
	if !ok {
		return Category{}, ErrNotFound
	}

	if uc.Name != nil {
		c.Name = *uc.Name
	}
	if uc.Position != nil {
		c.Position = *uc.Position
	}
	if uc.IsActive != nil {
		c.IsActive = *uc.IsActive
	}
	c.UpdatedAt = time.Now().UTC()

	s.m[id] = c
	return c, nil
}

func (s *MemStore) Delete(ctx context.Context, id int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.m[id]
	if !ok {
		return nil, ErrNotFound
	}
	if id == RootID {
		return nil, ErrRootImmutable
	}

	// Whole-segment match only, so removing "1/2" keeps "1/20".
	subtree := c.Path + "/"
	removed := make([]int64, 0, 4)
	for _, cc := range s.m {
		if cc.Path == c.Path || strings.HasPrefix(cc.Path, subtree) {
			removed = append(removed, cc.ID)
		}
	}
	for _, rid := range removed {
		delete(s.m, rid)
	}

	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed, nil
}
