package category

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"CatMap/pkg/kit"
)

const maxBodyBytes = 1 << 20

// ResetBroadcaster tells other replicas to drop cache entries. The
// zero value of Server leaves it nil, which keeps invalidation local.
type ResetBroadcaster interface {
	Reset(ctx context.Context, ids ...int64) error
	ResetAll(ctx context.Context) error
}

type Server struct {
	Store Store
	Cache *DescendantCache

	// Admin guards the mutating routes. When nil they all refuse.
	Admin func(http.Handler) http.Handler

	Bus ResetBroadcaster
	Log *zap.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		if err := s.Store.Ping(ctx); err != nil {
			if s.Log != nil {
				s.Log.Warn("readyz failed", zap.Error(err))
			}
			kit.WriteError(w, r, http.StatusServiceUnavailable, "not ready", nil)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/categories", s.list)
	r.Get("/categories/{id}", s.get)
	r.Get("/categories/{id}/children", s.children)
	r.Get("/categories/{id}/descendants", s.descendants)

	r.Group(func(r chi.Router) {
		r.Use(s.admin)

		r.Post("/categories", s.create)
		r.Patch("/categories/{id}", s.update)
		r.Delete("/categories/{id}", s.remove)

		r.Post("/cache/reset", s.resetAll)
		r.Post("/cache/reset/{id}", s.resetOne)
	})

	return r
}

func (s *Server) admin(next http.Handler) http.Handler {
	if s.Admin != nil {
		return s.Admin(next)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kit.WriteError(w, r, http.StatusUnauthorized, "admin auth not configured", nil)
	})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	cats, err := s.Store.List(r.Context())
	if err != nil {
		s.writeStoreErr(w, r, "list categories", err)
		return
	}
	kit.WriteJSON(w, http.StatusOK, cats)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	c, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreErr(w, r, "get category", err)
		return
	}
	kit.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) children(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	if _, err := s.Store.Get(r.Context(), id); err != nil {
		s.writeStoreErr(w, r, "get category", err)
		return
	}

	cats, err := s.Store.Children(r.Context(), id)
	if err != nil {
		s.writeStoreErr(w, r, "children", err)
		return
	}
	kit.WriteJSON(w, http.StatusOK, cats)
}

type descendantsResp struct {
	ID            int64   `json:"id"`
	DescendantIDs []int64 `json:"descendant_ids"`
	Count         int     `json:"count"`
}

func (s *Server) descendants(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	var (
		ids []int64
		err error
	)
	if q := r.URL.Query().Get("key"); q != "" {
		key, convErr := strconv.Atoi(q)
		if convErr != nil {
			kit.WriteError(w, r, http.StatusBadRequest, "bad key", map[string]any{"key": q})
			return
		}
		ids, err = s.Cache.Data(r.Context(), id, key)
	} else {
		ids, err = s.Cache.All(r.Context(), id)
	}
	if err != nil {
		s.writeStoreErr(w, r, "descendants", err)
		return
	}

	etag := idsETag(ids)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	kit.WriteJSON(w, http.StatusOK, descendantsResp{ID: id, DescendantIDs: ids, Count: len(ids)})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req NewCategory
	if err := decodeBody(w, r, &req); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, "bad json", map[string]any{"cause": err.Error()})
		return
	}

	if req.Name == "" {
		kit.WriteError(w, r, http.StatusBadRequest, "name required", nil)
		return
	}
	if req.ParentID == 0 {
		req.ParentID = RootID
	}

	c, err := s.Store.Create(r.Context(), req)
	if err != nil {
		s.writeStoreErr(w, r, "create category", err)
		return
	}

	s.invalidate(r.Context(), c.Path)
	kit.WriteJSON(w, http.StatusCreated, c)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	var req UpdateCategory
	if err := decodeBody(w, r, &req); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, "bad json", map[string]any{"cause": err.Error()})
		return
	}

	c, err := s.Store.Update(r.Context(), id, req)
	if err != nil {
		s.writeStoreErr(w, r, "update category", err)
		return
	}

	s.invalidate(r.Context(), c.Path)
	kit.WriteJSON(w, http.StatusOK, c)
}

type deleteResp struct {
	DeletedIDs []int64 `json:"deleted_ids"`
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	c, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreErr(w, r, "get category", err)
		return
	}

	removed, err := s.Store.Delete(r.Context(), id)
	if err != nil {
		s.writeStoreErr(w, r, "delete category", err)
		return
	}

	s.invalidate(r.Context(), c.Path, removed...)
	kit.WriteJSON(w, http.StatusOK, deleteResp{DeletedIDs: removed})
}

func (s *Server) resetAll(w http.ResponseWriter, r *http.Request) {
	s.Cache.ResetAll()

	if s.Bus != nil {
		if err := s.Bus.ResetAll(r.Context()); err != nil && s.Log != nil {
			s.Log.Warn("broadcast reset failed", zap.Error(err))
		}
	}

	kit.WriteJSON(w, http.StatusOK, map[string]any{"reset": "all"})
}

func (s *Server) resetOne(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	s.Cache.Reset(id)

	if s.Bus != nil {
		if err := s.Bus.Reset(r.Context(), id); err != nil && s.Log != nil {
			s.Log.Warn("broadcast reset failed", zap.Error(err))
		}
	}

	kit.WriteJSON(w, http.StatusOK, map[string]any{"reset": id})
}

// invalidate drops the entries a change on path makes stale: the changed
// node and every ancestor, plus any explicitly removed ids. The drop is
// applied locally first, then broadcast when a bus is wired.
func (s *Server) invalidate(ctx context.Context, path string, extra ...int64) {
	ids, err := pathIDs(path)
	if err != nil {
		if s.Log != nil {
			s.Log.Warn("unparseable path, resetting whole cache", zap.String("path", path), zap.Error(err))
		}
		s.Cache.ResetAll()
		if s.Bus != nil {
			if err := s.Bus.ResetAll(ctx); err != nil && s.Log != nil {
				s.Log.Warn("broadcast reset failed", zap.Error(err))
			}
		}
		return
	}

	ids = append(ids, extra...)
	for _, id := range ids {
		s.Cache.Reset(id)
	}

	if s.Bus != nil {
		if err := s.Bus.Reset(ctx, ids...); err != nil && s.Log != nil {
			s.Log.Warn("broadcast reset failed", zap.Error(err))
		}
	}
}

func (s *Server) writeStoreErr(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		kit.WriteError(w, r, http.StatusNotFound, "not found", nil)
	case errors.Is(err, ErrParentMissing):
		kit.WriteError(w, r, http.StatusBadRequest, "parent not found", nil)
	case errors.Is(err, ErrRootImmutable):
		kit.WriteError(w, r, http.StatusBadRequest, "root category cannot be deleted", nil)
	default:
		var qe *QueryError
		if errors.As(err, &qe) {
			if s.Log != nil {
				s.Log.Error(op+" failed", zap.Error(err))
			}
			kit.WriteError(w, r, http.StatusServiceUnavailable, "backend unavailable", nil)
			return
		}
		if s.Log != nil {
			s.Log.Error(op+" failed", zap.Error(err))
		}
		kit.WriteError(w, r, http.StatusInternalServerError, "server error", nil)
	}
}

func (s *Server) idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		kit.WriteError(w, r, http.StatusBadRequest, "bad id", map[string]any{"id": raw})
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// idsETag is a strong validator over the exact id sequence.
func idsETag(ids []int64) string {
	h := xxhash.New()
	var buf [8]byte
	for _, id := range ids {
		binary.BigEndian.PutUint64(buf[:], uint64(id))
		_, _ = h.Write(buf[:])
	}
	return `"` + strconv.FormatUint(h.Sum64(), 16) + `"`
}
