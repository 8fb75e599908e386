package category

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RootID is the id of the tree root seeded by the first migration.
// Every other category descends from it.
const RootID int64 = 1

var (
	ErrNotFound      = errors.New("category not found")
	ErrRootImmutable = errors.New("root category cannot be deleted")
	ErrParentMissing = errors.New("parent category does not exist")
)

// QueryError wraps a data-access failure so callers can tell a broken
// backend apart from an unknown id.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *QueryError) Unwrap() error { return e.Err }

// Category is one node of the tree. Path is the slash-joined chain of
// ancestor ids ending in the node's own id ("1", "1/2", "1/2/5"), so a
// descendant's path is always prefixed by every ancestor's path.
type Category struct {
	ID        int64     `json:"id"`
	ParentID  int64     `json:"parent_id"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Level     int       `json:"level"`
	Position  int       `json:"position"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// childPath extends a parent path with a newly assigned id.
func childPath(parent string, id int64) string {
	return parent + "/" + strconv.FormatInt(id, 10)
}

// levelOf is the number of segments in a path; the root is level 1.
func levelOf(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/") + 1
}

// pathIDs parses "1/2/5" into [1 2 5]. The result covers the node itself
// and every ancestor, which is exactly the set of cache entries a change
// to the node invalidates.
func pathIDs(path string) ([]int64, error) {
	parts := strings.Split(path, "/")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad path segment %q in %q", p, path)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
