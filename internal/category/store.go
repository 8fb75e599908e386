package category

import "context"

// NewCategory carries the caller-supplied fields of a category to create.
// Path, level and timestamps are assigned by the store.
type NewCategory struct {
	ParentID int64  `json:"parent_id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	IsActive bool   `json:"is_active"`
}

// UpdateCategory is a partial update; nil fields are left untouched.
// Re-parenting is deliberately absent: moving a subtree rewrites every
// descendant path and is not supported.
type UpdateCategory struct {
	Name     *string `json:"name"`
	Position *int    `json:"position"`
	IsActive *bool   `json:"is_active"`
}

type Store interface {
	Ping(ctx context.Context) error

	// Get returns ErrNotFound for an unknown id.
	Get(ctx context.Context, id int64) (Category, error)

	// IDsByPathPrefix returns the ids of all categories whose path starts
	// with prefix, ascending by id. The match is a raw string prefix: the
	// prefix "1/2" also matches "1/20". Callers that need exact subtree
	// semantics must not rely on this method for destructive work.
	IDsByPathPrefix(ctx context.Context, prefix string) ([]int64, error)

	// List returns the whole tree flat, ascending by path.
	List(ctx context.Context) ([]Category, error)

	// Children returns the direct children of parentID, by position then id.
	Children(ctx context.Context, parentID int64) ([]Category, error)

	// Create inserts under an existing parent (ErrParentMissing otherwise)
	// and assigns id, path and level atomically.
	Create(ctx context.Context, nc NewCategory) (Category, error)

	// Update applies a partial update and returns the stored result.
	Update(ctx context.Context, id int64, uc UpdateCategory) (Category, error)

	// Delete removes the category and its exact subtree, returning every
	// removed id. Unlike IDsByPathPrefix it matches whole path segments,
	// so deleting "1/2" leaves "1/20" alone. The root is refused with
	// ErrRootImmutable.
	Delete(ctx context.Context, id int64) ([]int64, error)
}
