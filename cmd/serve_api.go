package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/engine"
	"github.com/scanium/scan-engine/internal/model"
)

type apiServer struct {
	eng *engine.Engine
}

func (a *apiServer) routes(r chi.Router) {
	r.Get("/health", a.handleHealth)

	r.Post("/detections", a.handleDetections)

	r.Route("/items", func(r chi.Router) {
		r.Get("/", a.handleListItems)
		r.Delete("/", a.handleClearAll)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetItem)
			r.Delete("/", a.handleDeleteItem)
			r.Get("/thumbnail", a.handleThumbnail)
			r.Patch("/attributes/{key}", a.handleUpdateAttribute)
			r.Put("/summary", a.handleUpdateSummary)
			r.Post("/classify", a.handleRetryClassification)
			r.Post("/enrich", a.handleEnrich)
			r.Post("/price", a.handleReestimate)
			r.Post("/export", a.handleExport)
		})
	})

	r.Route("/suggestions", func(r chi.Router) {
		r.Get("/", a.handleSuggestions)
		r.Post("/{id}/accept", a.handleAcceptSuggestion)
		r.Post("/{id}/reject", a.handleRejectSuggestion)
	})

	r.Get("/stats", a.handleStats)
	r.Put("/settings/similarity-threshold", a.handleThreshold)
	r.Get("/events", a.handleEvents)
}

func (a *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) handleDetections(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Detections []model.RawDetection `json:"detections"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Detections) == 0 {
		writeError(w, http.StatusBadRequest, "detections is required")
		return
	}

	items, err := a.eng.Manager.ProcessDetections(r.Context(), req.Detections)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *apiServer) handleListItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.eng.Manager.Items()})
}

func (a *apiServer) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, ok := a.eng.Manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *apiServer) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := a.eng.Manager.RemoveItem(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	a.eng.Classification.Cancel(id)
	a.eng.Prefiller.Cancel(id)
	a.eng.Prices.Cancel(id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Manager.ClearAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	item, ok := a.eng.Manager.Get(chi.URLParam(r, "id"))
	if !ok || item.ThumbKey == "" {
		writeError(w, http.StatusNotFound, "thumbnail not found")
		return
	}
	png, ok := a.eng.Manager.Store().Thumbnail(item.ThumbKey)
	if !ok {
		writeError(w, http.StatusNotFound, "thumbnail not found")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (a *apiServer) handleUpdateAttribute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := model.AttributeKey(chi.URLParam(r, "key"))

	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	applied, err := a.eng.Manager.UpdateAttribute(r.Context(), id, key, model.ItemAttribute{
		Value:      req.Value,
		Confidence: 1.0,
		Source:     model.SourceUser,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (a *apiServer) handleUpdateSummary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.eng.Manager.UpdateSummary(r.Context(), chi.URLParam(r, "id"), req.Text, true); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) handleRetryClassification(w http.ResponseWriter, r *http.Request) {
	// Dispatched tasks outlive the request, so they bind to the engine
	// context rather than the caller's.
	if err := a.eng.Classification.Retry(a.eng.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *apiServer) handleEnrich(w http.ResponseWriter, r *http.Request) {
	a.eng.Prefiller.Enrich(a.eng.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusAccepted)
}

func (a *apiServer) handleReestimate(w http.ResponseWriter, r *http.Request) {
	a.eng.Prices.Reestimate(a.eng.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusAccepted)
}

func (a *apiServer) handleExport(w http.ResponseWriter, r *http.Request) {
	content, err := a.eng.Export.Generate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, content)
}

func (a *apiServer) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.Dedup.Suggestions())
}

func (a *apiServer) handleAcceptSuggestion(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Dedup.Accept(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) handleRejectSuggestion(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Dedup.Reject(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.eng.Manager.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *apiServer) handleThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		writeError(w, http.StatusBadRequest, "threshold must be in [0,1]")
		return
	}
	if err := a.eng.Manager.UpdateSimilarityThreshold(r.Context(), req.Threshold); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams item snapshots as server-sent events. Each publish
// delivers the full current list; slow consumers skip intermediate states.
func (a *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	snapshots := a.eng.Manager.Store().Subscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot := <-snapshots:
			payload, err := json.Marshal(map[string]any{"items": snapshot})
			if err != nil {
				zap.L().Warn("events: marshal snapshot failed", zap.Error(err))
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
