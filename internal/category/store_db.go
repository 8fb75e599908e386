package category

import (
	"context"
	"database/sql"
	"sort"
	"time"
)

const (
	pingTimeout  = 1 * time.Second
	queryTimeout = 3 * time.Second
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	err := withTimeout(ctx, pingTimeout, func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	})
	return queryErr("ping", err)
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (Category, error) {
	var c Category

	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, parent_id, path, name, level, position, is_active, created_at, updated_at
			FROM categories
			WHERE id = $1
		`, id).Scan(&c.ID, &c.ParentID, &c.Path, &c.Name, &c.Level, &c.Position, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	})

	if err == sql.ErrNoRows {
		return Category{}, ErrNotFound
	}
	if err != nil {
		return Category{}, queryErr("get category", err)
	}
	return c, nil
}

func (s *PostgresStore) IDsByPathPrefix(ctx context.Context, prefix string) ([]int64, error) {
	var out []int64

	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id
			FROM categories
			WHERE path LIKE $1 || '%'
			ORDER BY id ASC
		`, prefix)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make([]int64, 0, 16)
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, queryErr("ids by path prefix", err)
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Category, error) {
	var out []Category

	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, parent_id, path, name, level, position, is_active, created_at, updated_at
			FROM categories
			ORDER BY path ASC
		`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make([]Category, 0, 16)
		for rows.Next() {
			var c Category
			if err := rows.Scan(&c.ID, &c.ParentID, &c.Path, &c.Name, &c.Level, &c.Position, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, queryErr("list categories", err)
	}
	return out, nil
}

func (s *PostgresStore) Children(ctx context.Context, parentID int64) ([]Category, error) {
	var out []Category

	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, parent_id, path, name, level, position, is_active, created_at, updated_at
			FROM categories
			WHERE parent_id = $1
			ORDER BY position ASC, id ASC
		`, parentID)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make([]Category, 0, 8)
		for rows.Next() {
			var c Category
			if err := rows.Scan(&c.ID, &c.ParentID, &c.Path, &c.Name, &c.Level, &c.Position, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, queryErr("children", err)
	}
	return out, nil
}

// Create inserts first to get the id from the sequence, then fills in
// path and level derived from it, all inside one transaction.
func (s *PostgresStore) Create(ctx context.Context, nc NewCategory) (Category, error) {
	var c Category

	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var (
			parentPath  string
			parentLevel int
		)
		err = tx.QueryRowContext(ctx, `
			SELECT path, level
			FROM categories
			WHERE id = $1
		`, nc.ParentID).Scan(&parentPath, &parentLevel)
		if err == sql.ErrNoRows {
			return ErrParentMissing
		}
		if err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO categories (parent_id, name, position, is_active)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at
		`, nc.ParentID, nc.Name, nc.Position, nc.IsActive).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return err
		}

		c.ParentID = nc.ParentID
		c.Name = nc.Name
		c.Position = nc.Position
		c.IsActive = nc.IsActive
		c.Path = childPath(parentPath, c.ID)
		c.Level = parentLevel + 1

		_, err = tx.ExecContext(ctx, `
			UPDATE categories
			SET path = $2, level = $3
			WHERE id = $1
		`, c.ID, c.Path, c.Level)
		if err != nil {
			return err
		}

		return tx.Commit()
	})

	if err == ErrParentMissing {
		return Category{}, err
	}
	if err != nil {
		return Category{}, queryErr("create category", err)
	}
	return c, nil
}

func (s *PostgresStore) Update(ctx context.Context, id int64, uc UpdateCategory) (Category, error) {
	var c Category

	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			UPDATE categories
			SET name = COALESCE($2, name),
			    position = COALESCE($3, position),
			    is_active = COALESCE($4, is_active),
			    updated_at = now()
			WHERE id = $1
			RETURNING id, parent_id, path, name, level, position, is_active, created_at, updated_at
		`, id, uc.Name, uc.Position, uc.IsActive).Scan(&c.ID, &c.ParentID, &c.Path, &c.Name, &c.Level, &c.Position, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	})

	if err == sql.ErrNoRows {
		return Category{}, ErrNotFound
	}
	if err != nil {
		return Category{}, queryErr("update category", err)
	}
	return c, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) ([]int64, error) {
	if id == RootID {
		return nil, ErrRootImmutable
	}

	var removed []int64

	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var path string
		err = tx.QueryRowContext(ctx, `
			SELECT path
			FROM categories
			WHERE id = $1
		`, id).Scan(&path)
		if err != nil {
			return err
		}

		// Whole-segment match only, so removing "1/2" keeps "1/20".
		rows, err := tx.QueryContext(ctx, `
			DELETE FROM categories
			WHERE path = $1 OR path LIKE $1 || '/%'
			RETURNING id
		`, path)
		if err != nil {
			return err
		}
		defer rows.Close()

		removed = make([]int64, 0, 4)
		for rows.Next() {
			var rid int64
			if err := rows.Scan(&rid); err != nil {
				return err
			}
			removed = append(removed, rid)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		return tx.Commit()
	})

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, queryErr("delete category", err)
	}

	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed, nil
}

func withTimeout(parent context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	return fn(ctx)
}

func queryErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &QueryError{Op: op, Err: err}
}
