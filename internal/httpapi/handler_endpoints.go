package httpapi

import (
	"context"
	"errors"
	"net/http"

	"pkt.systems/keyserver/api"
	"pkt.systems/keyserver/internal/snapshot"
)

var keyMethods = []string{http.MethodGet, http.MethodPost}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) error {
	if err := allowMethods(w, r, keyMethods...); err != nil {
		return err
	}
	id, err := h.store.Generate(r.Context())
	if err != nil {
		return convertLeaseError(err)
	}
	h.writeID(w, id)
	return nil
}

func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) error {
	if err := allowMethods(w, r, keyMethods...); err != nil {
		return err
	}
	id, err := h.store.Acquire(r.Context())
	if err != nil {
		return convertLeaseError(err)
	}
	h.writeID(w, id)
	return nil
}

func (h *Handler) handleUnblock(w http.ResponseWriter, r *http.Request) error {
	return h.keyOp(w, r, h.store.Release)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) error {
	return h.keyOp(w, r, h.store.Delete)
}

func (h *Handler) handleKeepAlive(w http.ResponseWriter, r *http.Request) error {
	return h.keyOp(w, r, h.store.Heartbeat)
}

func (h *Handler) keyOp(w http.ResponseWriter, r *http.Request, op func(context.Context, uint64) error) error {
	if err := allowMethods(w, r, keyMethods...); err != nil {
		return err
	}
	id, err := parseKeyID(r)
	if err != nil {
		return err
	}
	if err := op(r.Context(), id); err != nil {
		return convertLeaseError(err)
	}
	h.writeID(w, id)
	return nil
}

func (h *Handler) handleDescribe(w http.ResponseWriter, r *http.Request) error {
	if err := allowMethods(w, r, http.MethodGet); err != nil {
		return err
	}
	id, err := parseKeyID(r)
	if err != nil {
		return err
	}
	rec, err := h.store.Get(id)
	if err != nil {
		return convertLeaseError(err)
	}
	h.writeJSON(w, http.StatusOK, snapshot.Record(rec), nil)
	return nil
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) error {
	if err := allowMethods(w, r, http.MethodGet); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, snapshot.Stats(h.store), nil)
	return nil
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) error {
	if err := allowMethods(w, r, http.MethodGet); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, snapshot.Build(h.store, h.clock), nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "server is starting or draining"}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := loggerFrom(ctx, h.logger)
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail}, nil)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}
