package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/undeadops/terse-edge/internal/invalidation"
	"github.com/undeadops/terse-edge/internal/sor"
	"github.com/undeadops/terse-edge/internal/store"
	"github.com/undeadops/terse-edge/internal/warmer"
)

// UpsertRequest is the short url record pushed by the system of record.
type UpsertRequest struct {
	store.ShortURL
}

func (u *UpsertRequest) Bind(_ *http.Request) error {
	u.Key = strings.TrimSpace(u.Key)
	u.LongURL = strings.TrimSpace(u.LongURL)
	if u.LongURL == "" {
		return errors.New("longUrl is required")
	}
	return nil
}

type CacheResponse struct {
	Key    string `json:"key"`
	Status string `json:"status"`
}

type WarmResponse struct {
	Loaded  int `json:"loaded"`
	Skipped int `json:"skipped"`
	Removed int `json:"removed"`
	Entries int `json:"entries"`
}

type StatsResponse struct {
	Entries           int           `json:"entries"`
	Capacity          int           `json:"capacity"`
	ConfigRefreshedAt *time.Time    `json:"configRefreshedAt,omitempty"`
	HistoryPending    int           `json:"historyPending"`
	Warm              warmer.Status `json:"warm"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *CacheHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	data := &UpsertRequest{}
	if err := render.Bind(r, data); err != nil {
		h.handleError(w, r, http.StatusBadRequest, err)
		return
	}

	if err := h.deps.Receiver.OnUpsert(data.ShortURL); err != nil {
		h.handleError(w, r, statusFor(err), err)
		return
	}
	respondJSON(w, r, http.StatusOK, &CacheResponse{Key: data.CacheKey(), Status: invalidation.Cached})
}

func (h *CacheHandler) Evict(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := h.deps.Receiver.OnEvict(key); err != nil {
		h.handleError(w, r, statusFor(err), err)
		return
	}
	respondJSON(w, r, http.StatusOK, &CacheResponse{Key: key, Status: invalidation.Evicted})
}

func (h *CacheHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	outcome, err := h.deps.Receiver.OnRefresh(r.Context(), key)
	if err != nil {
		h.handleError(w, r, statusFor(err), err)
		return
	}
	respondJSON(w, r, http.StatusOK, &CacheResponse{Key: key, Status: outcome})
}

func (h *CacheHandler) Rewarm(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Warmer.Rewarm(r.Context()); err != nil {
		h.handleError(w, r, statusFor(err), err)
		return
	}
	st := h.deps.Warmer.Status()
	respondJSON(w, r, http.StatusOK, &WarmResponse{
		Loaded:  st.Loaded,
		Skipped: st.Skipped,
		Removed: st.Removed,
		Entries: h.deps.Cache.Len(),
	})
}

func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := &StatsResponse{
		Entries:  h.deps.Cache.Len(),
		Capacity: h.deps.Capacity,
		Warm:     h.deps.Warmer.Status(),
	}
	if h.deps.Config != nil {
		if at := h.deps.Config.LastRefresh(); !at.IsZero() {
			resp.ConfigRefreshedAt = &at
		}
	}
	if h.deps.History != nil {
		resp.HistoryPending = h.deps.History.Pending()
	}
	respondJSON(w, r, http.StatusOK, resp)
}

// statusFor maps component errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, invalidation.ErrMissingKey), errors.Is(err, invalidation.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, warmer.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, sor.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// Helper method for consistent error responses
func (h *CacheHandler) handleError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Handling error")
	} else {
		h.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected request")
	}
	respondJSON(w, r, status, &ErrorResponse{Error: err.Error()})
}
