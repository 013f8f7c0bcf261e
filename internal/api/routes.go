package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clbarnes/CATMAID/internal/cache"
	"github.com/clbarnes/CATMAID/internal/catmaid"
	"github.com/clbarnes/CATMAID/internal/jobstore"
	"github.com/clbarnes/CATMAID/internal/render"
	"github.com/clbarnes/CATMAID/internal/service"
	"github.com/clbarnes/CATMAID/internal/synapse"
)

const (
	maxSkeletonsPerRequest = 1000
	maxJobResultLimit      = 5000
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry *TableRegistry
	// Skeletons serves the table-independent per-skeleton endpoint.
	Skeletons   *synapse.ResultCache
	TableConfig service.TableServiceConfig
	Images      *cache.Manager
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Images, cfg.Skeletons))
	r.Get("/api/skeletons/{skid}/synapses", skeletonSynapsesHandler(cfg.Skeletons))

	r.Route("/api/tables", func(r chi.Router) {
		r.Get("/", tablesHandler(cfg.Registry))
		r.Post("/", tableCreateHandler(cfg.Registry, cfg.TableConfig))

		r.Route("/{table}", func(r chi.Router) {
			r.Use(tableMiddleware(cfg.Registry))

			r.Delete("/", tableDeleteHandler(cfg.Registry))

			r.Get("/skeletons", tableSkeletonsHandler)
			r.Post("/skeletons", tableAddSkeletonsHandler)
			r.Delete("/skeletons", tableClearHandler)
			r.Delete("/skeletons/{skid}", tableRemoveSkeletonHandler)

			r.Post("/update", tableUpdateHandler)
			r.Post("/refresh", tableRefreshHandler)

			r.Get("/rows", tableRowsHandler)
			r.Get("/rows/{synapse}/activate", tableActivateHandler)
			r.Get("/rows/{synapse}/connectors", tableReintersectHandler)

			r.Get("/overview.png", tableOverviewHandler)

			r.Get("/jobs", tableJobsHandler(cfg.JobManager))
			r.Post("/jobs", jobSubmitHandler(cfg.JobManager))
		})
	})

	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
		r.Get("/{job_id}/result", jobResultHandler(cfg.JobManager))
		r.Delete("/{job_id}", jobDeleteHandler(cfg.JobManager))
	})

	return r
}

// Context key for table service
type ctxKey string

const tableServiceKey ctxKey = "tableService"

// tableMiddleware resolves the table from URL and injects its service into context.
func tableMiddleware(registry *TableRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tableID := chi.URLParam(r, "table")
			svc := registry.Get(tableID)
			if svc == nil {
				http.Error(w, "table not found: "+tableID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), tableServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getTableService(r *http.Request) *service.TableService {
	if svc, ok := r.Context().Value(tableServiceKey).(*service.TableService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *catmaid.APIError
	var decodeErr *catmaid.DecodeError
	switch {
	case errors.As(err, &apiErr), errors.As(err, &decodeErr):
		http.Error(w, "upstream error: "+err.Error(), http.StatusBadGateway)
	case errors.Is(err, synapse.ErrRowNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, synapse.ErrSuperseded):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the response.
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "upstream timeout: "+err.Error(), http.StatusGatewayTimeout)
	default:
		// Transport failures talking to CATMAID.
		http.Error(w, "upstream error: "+err.Error(), http.StatusBadGateway)
	}
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

type skeletonListRequest struct {
	SkeletonIDs []int64 `json:"skeleton_ids"`
}

func decodeSkeletonList(r *http.Request) ([]int64, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	var req skeletonListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if len(req.SkeletonIDs) > maxSkeletonsPerRequest {
		return nil, errors.New("too many skeleton ids (max " + strconv.Itoa(maxSkeletonsPerRequest) + ")")
	}
	return req.SkeletonIDs, nil
}

// skeletonSynapsesHandler returns the enriched rows of one skeleton.
func skeletonSynapsesHandler(rc *synapse.ResultCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rc == nil {
			http.Error(w, "skeleton cache not configured", http.StatusNotImplemented)
			return
		}
		skid, err := parseID(chi.URLParam(r, "skid"))
		if err != nil {
			http.Error(w, "invalid skeleton id", http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("refresh") == "true" {
			rc.Invalidate(skid)
		}

		rows, err := rc.Rows(r.Context(), skid)
		if err != nil {
			writeError(w, err)
			return
		}
		response := map[string]interface{}{
			"skeleton_id": skid,
			"rows":        rows,
		}
		if entry, ok := rc.Entry(skid); ok {
			response["cached_at"] = entry.Timestamp
		}
		writeJSON(w, http.StatusOK, response)
	}
}

func cacheStatsHandler(images *cache.Manager, skeletons *synapse.ResultCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]interface{}{}
		if images != nil {
			stats = images.Stats()
		}
		if skeletons != nil {
			stats["skeleton_cache_len"] = skeletons.Len()
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// tablesHandler returns the list of open tables.
func tablesHandler(registry *TableRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"title":  registry.Title(),
			"tables": registry.Tables(),
		})
	}
}

func tableCreateHandler(registry *TableRegistry, cfg service.TableServiceConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skeletons, err := decodeSkeletonList(r)
		if err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		svc, err := service.NewTableService(uuid.New().String(), cfg)
		if err != nil {
			http.Error(w, "failed to create table: "+err.Error(), http.StatusInternalServerError)
			return
		}
		svc.Table().Add(skeletons...)
		registry.Register(svc)

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"table_id":     svc.ID(),
			"skeleton_ids": svc.Table().Skeletons(),
		})
	}
}

func tableDeleteHandler(registry *TableRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getTableService(r)
		svc.Table().Clear()
		registry.Remove(svc.ID())
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"table_id": svc.ID(),
			"deleted":  true,
		})
	}
}

func tableSkeletonsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getTableService(r)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skeleton_ids": svc.Table().Skeletons(),
	})
}

func tableAddSkeletonsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getTableService(r)
	skeletons, err := decodeSkeletonList(r)
	if err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(skeletons) == 0 {
		http.Error(w, "skeleton_ids is required", http.StatusBadRequest)
		return
	}
	svc.Table().Add(skeletons...)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skeleton_ids": svc.Table().Skeletons(),
	})
}

func tableClearHandler(w http.ResponseWriter, r *http.Request) {
	svc := getTableService(r)
	svc.Table().Clear()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skeleton_ids": []int64{},
	})
}

func tableRemoveSkeletonHandler(w http.ResponseWriter, r *http.Request) {
	svc := getTableService(r)
	skid, err := parseID(chi.URLParam(r, "skid"))
	if err != nil {
		http.Error(w, "invalid skeleton id", http.StatusBadRequest)
		return
	}
	svc.Table().Remove(skid)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skeleton_ids": svc.Table().Skeletons(),
	})
}

func tableUpdateHandler(w http.ResponseWriter, r *http.Request) {
	svc := getTableService(r)
	rows, err := svc.Table().Update(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows": len(rows),
	})
}

func tableRefreshHandler(w http.ResponseWriter, r *http.Request) {
	svc := getTableService(r)
	rows, err := svc.Table().Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows": len(rows),
	})
}

// tableRowsHandler serves a DataTable-style page of rows.
func tableRowsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getTableService(r)
	query := r.URL.Query()

	col, err := synapse.ParseColumn(query.Get("order_by"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := synapse.Query{
		OrderBy:    col,
		Descending: strings.EqualFold(query.Get("dir"), "desc"),
		Search:     query.Get("search"),
	}
	if s := query.Get("start"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "invalid start", http.StatusBadRequest)
			return
		}
		q.Start = v
	}
	if s := query.Get("length"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, "invalid length", http.StatusBadRequest)
			return
		}
		q.Length = v
	}

	page, err := svc.Table().Query(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func tableActivateHandler(w http.ResponseWriter, r *http.Request) {
	svc := getTableService(r)
	synapseID, err := parseID(chi.URLParam(r, "synapse"))
	if err != nil {
		http.Error(w, "invalid synapse id", http.StatusBadRequest)
		return
	}
	target, err := svc.Table().Activate(synapseID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func tableReintersectHandler(w http.ResponseWriter, r *http.Request) {
	svc := getTableService(r)
	synapseID, err := parseID(chi.URLParam(r, "synapse"))
	if err != nil {
		http.Error(w, "invalid synapse id", http.StatusBadRequest)
		return
	}
	connectors, err := svc.Table().Reintersect(r.Context(), synapseID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"synapse_id":              synapseID,
		"intersecting_connectors": connectors,
	})
}

func tableOverviewHandler(w http.ResponseWriter, r *http.Request) {
	svc := getTableService(r)
	data, err := svc.Overview(r.URL.Query().Get("colormap"))
	if errors.Is(err, render.ErrUnknownColormap) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "failed to render overview: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

// Refresh job handlers

type jobSubmitRequest struct {
	SkeletonIDs []int64 `json:"skeleton_ids,omitempty"`
	Force       bool    `json:"force"`
}

func jobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		svc := getTableService(r)

		var req jobSubmitRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		// Snapshot the selection when no explicit list is given.
		if len(req.SkeletonIDs) == 0 {
			req.SkeletonIDs = svc.Table().Skeletons()
		}
		if len(req.SkeletonIDs) == 0 {
			http.Error(w, "table has no skeletons selected", http.StatusBadRequest)
			return
		}
		if len(req.SkeletonIDs) > maxSkeletonsPerRequest {
			http.Error(w, "too many skeleton ids", http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(jobstore.JobParams{
			TableID:     svc.ID(),
			SkeletonIDs: req.SkeletonIDs,
			Force:       req.Force,
		})
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func tableJobsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		svc := getTableService(r)
		jobs, err := jm.Store().ListJobsByTable(svc.ID())
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs": jobs,
		})
	}
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func jobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		query := r.URL.Query()
		col, err := synapse.ParseColumn(query.Get("order_by"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		offset := 0
		limit := 0
		if s := query.Get("offset"); s != "" {
			if v, err := strconv.Atoi(s); err == nil && v >= 0 {
				offset = v
			}
		}
		if s := query.Get("limit"); s != "" {
			if v, err := strconv.Atoi(s); err == nil && v > 0 {
				limit = min(v, maxJobResultLimit)
			}
		}

		rows, total, err := jm.Store().QueryRows(jobID, string(col), strings.EqualFold(query.Get("dir"), "desc"), offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id": jobID,
			"params": job.Params,
			"total":  total,
			"offset": offset,
			"limit":  limit,
			"rows":   rows,
		})
	}
}

// jobDeleteHandler cancels a job if it is still active, otherwise deletes it.
func jobDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		if !job.Status.Finished() {
			cancelled := jm.Cancel(jobID)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":    jobID,
				"cancelled": cancelled,
			})
			return
		}

		if err := jm.Delete(jobID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":  jobID,
			"deleted": true,
		})
	}
}
