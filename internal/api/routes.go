package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/histo-embed/server/internal/cache"
	"github.com/histo-embed/server/internal/data/coords"
	"github.com/histo-embed/server/internal/data/features"
	"github.com/histo-embed/server/internal/data/npy"
	"github.com/histo-embed/server/internal/data/table"
	"github.com/histo-embed/server/internal/dataset"
	"github.com/histo-embed/server/internal/loadstore"
	"github.com/histo-embed/server/internal/render"
	"github.com/histo-embed/server/internal/sampler"
	"github.com/histo-embed/server/internal/service"
	"github.com/histo-embed/server/internal/slide"
	"github.com/histo-embed/server/pkg/colormap"
)

const (
	defaultRowsLimit = 100
	maxRowsLimit     = 1000
	maxGalleryImages = 200
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Session     *Session
	Tiles       *service.TileService
	Gallery     *service.GalleryService
	Cache       *cache.Manager
	JobManager  *JobManager
	CORSOrigins []string

	// GalleryDefaults apply to gallery and context requests that omit them.
	GalleryDefaults service.GalleryOptions
	// LoadDefaults fill load requests that omit parameters.
	LoadDefaults loadstore.RunParams
	Logger       *slog.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json", "application/octet-stream"))

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

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", statsHandler(cfg))

		// Load job endpoints work without a dataset.
		r.Post("/load", loadSubmitHandler(cfg.JobManager, cfg.LoadDefaults))
		r.Route("/load/jobs", func(r chi.Router) {
			r.Get("/", loadListHandler(cfg.JobManager))
			r.Get("/{job_id}", loadStatusHandler(cfg.JobManager))
			r.Get("/{job_id}/slides", loadSlidesHandler(cfg.JobManager))
			r.Delete("/{job_id}", loadCancelHandler(cfg.JobManager))
		})

		// Dataset-scoped endpoints
		r.Group(func(r chi.Router) {
			r.Use(datasetMiddleware(cfg.Session))

			r.Get("/dataset", datasetHandler(cfg.Session))
			r.Get("/dataset/rows", rowsHandler)
			r.Get("/dataset/features.npy", featuresHandler(cfg.Logger))
			r.Get("/metadata/{column}/colors", columnColorsHandler(cfg.Cache))
			r.Get("/rows/{row}/tile.png", tileHandler(cfg.Tiles))
			r.Get("/rows/{row}/context.png", contextHandler(cfg.Tiles, cfg.GalleryDefaults.ContextDim))
			r.Post("/gallery", galleryHandler(cfg.Gallery, cfg.GalleryDefaults))
		})
	})

	return r
}

// Context key for the served snapshot
type ctxKey string

const snapshotKey ctxKey = "snapshot"

// datasetMiddleware injects the served snapshot into the request context.
func datasetMiddleware(session *Session) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap := session.Current()
			if snap == nil {
				msg := "no dataset loaded"
				if session.Loading() {
					msg = "dataset is loading"
				}
				w.Header().Set("Retry-After", "5")
				http.Error(w, msg, http.StatusServiceUnavailable)
				return
			}
			ctx := context.WithValue(r.Context(), snapshotKey, snap)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSnapshot(r *http.Request) *Snapshot {
	snap, _ := r.Context().Value(snapshotKey).(*Snapshot)
	return snap
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dataset.ErrRowOutOfRange),
		errors.Is(err, coords.ErrTileIndexOutOfRange),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, slide.ErrOutOfBounds),
		errors.Is(err, render.ErrGeometry),
		errors.Is(err, service.ErrInvalidRecord),
		errors.Is(err, table.ErrSchema):
		return http.StatusUnprocessableEntity
	case errors.Is(err, slide.ErrUnsupported),
		errors.Is(err, features.ErrUnsupported):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, errors.New("invalid " + name)
	}
	return v, nil
}

func datasetHandler(session *Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := getSnapshot(r)
		ds := snap.Dataset
		resp := map[string]interface{}{
			"title":         session.Title(),
			"rows":          ds.Len(),
			"feature_dim":   ds.Dim(),
			"metadata_cols": ds.MetadataCols,
			"load_job_id":   snap.JobID,
			"csv_path":      snap.CSVPath,
			"loaded_at":     snap.LoadedAt.Format(time.RFC3339),
			"loading":       session.Loading(),
		}
		if rep := snap.Report; rep != nil {
			resp["sampling_mode"] = string(rep.Mode)
			resp["slides"] = len(rep.Slides)
			resp["failed_slides"] = rep.Failed()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func rowsHandler(w http.ResponseWriter, r *http.Request) {
	ds := getSnapshot(r).Dataset
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", defaultRowsLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if limit > maxRowsLimit {
		limit = maxRowsLimit
	}

	end := offset + limit
	if end > ds.Len() {
		end = ds.Len()
	}
	rows := make([]dataset.Row, 0, max(end-offset, 0))
	for i := offset; i < end; i++ {
		row, err := ds.Row(i)
		if err != nil {
			writeError(w, err)
			return
		}
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":  ds.Len(),
		"offset": offset,
		"limit":  limit,
		"rows":   rows,
	})
}

func featuresHandler(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds := getSnapshot(r).Dataset
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="features.npy"`)
		if err := npy.WriteFloat32(w, ds.Len(), ds.Dim(), ds.Float32s()); err != nil {
			logger.Warn("failed to write features", "error", err)
		}
	}
}

func columnColorsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := getSnapshot(r)
		column := chi.URLParam(r, "column")

		key := cache.QueryKey("colors", snap.JobID, column)
		if cm != nil {
			if data, ok := cm.GetQuery(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		values, ok := snap.Dataset.Values(column)
		if !ok {
			http.Error(w, "metadata column not found: "+column, http.StatusNotFound)
			return
		}
		data, err := json.Marshal(colormap.ColumnColors(values))
		if err != nil {
			writeError(w, err)
			return
		}
		if cm != nil {
			cm.SetQuery(key, data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func rowParam(r *http.Request) (dataset.Row, error) {
	idx, err := strconv.Atoi(chi.URLParam(r, "row"))
	if err != nil {
		return dataset.Row{}, errors.New("invalid row")
	}
	return getSnapshot(r).Dataset.Row(idx)
}

// writeRowPNG serves an image addressed by row. A row names a different tile
// after every load, so clients must revalidate; the ETag carries the load.
func writeRowPNG(w http.ResponseWriter, r *http.Request, variant string, data []byte) {
	etag := rowETag(getSnapshot(r), chi.URLParam(r, "row"), variant)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func rowETag(snap *Snapshot, row, variant string) string {
	return fmt.Sprintf(`"%s-%x-%s-%s"`, snap.JobID, snap.LoadedAt.UnixNano(), row, variant)
}

func tileHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		row, err := rowParam(r)
		if err != nil {
			writeRowError(w, err)
			return
		}
		data, err := svc.TilePNG(r.Context(), row.WSIPath, row.CoordinatesPath, row.TileIndex)
		if err != nil {
			writeError(w, err)
			return
		}
		writeRowPNG(w, r, "tile", data)
	}
}

func contextHandler(svc *service.TileService, defaultContextDim int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		row, err := rowParam(r)
		if err != nil {
			writeRowError(w, err)
			return
		}
		contextDim, err := queryInt(r, "context_dim", defaultContextDim)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, err := svc.ContextPNG(r.Context(), row.WSIPath, row.CoordinatesPath, row.TileIndex, contextDim)
		if err != nil {
			writeError(w, err)
			return
		}
		writeRowPNG(w, r, "context"+strconv.Itoa(contextDim), data)
	}
}

func writeRowError(w http.ResponseWriter, err error) {
	if errors.Is(err, dataset.ErrRowOutOfRange) {
		writeError(w, err)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

type galleryRequest struct {
	Indices    []int  `json:"indices"`
	MaxImages  *int   `json:"max_images"`
	ContextDim *int   `json:"context_dim"`
	Seed       *int64 `json:"seed"`
}

func galleryHandler(svc *service.GalleryService, defaults service.GalleryOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req galleryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		opts := defaults
		if req.MaxImages != nil {
			opts.MaxImages = *req.MaxImages
		}
		if req.ContextDim != nil {
			opts.ContextDim = *req.ContextDim
		}
		if req.Seed != nil {
			opts.Seed = *req.Seed
		}
		if opts.MaxImages < 0 || opts.MaxImages > maxGalleryImages {
			http.Error(w, "max_images must be within [0, "+strconv.Itoa(maxGalleryImages)+"]", http.StatusBadRequest)
			return
		}
		if opts.ContextDim < 0 {
			http.Error(w, "context_dim must not be negative", http.StatusBadRequest)
			return
		}

		items, err := svc.Render(r.Context(), getSnapshot(r).Dataset, req.Indices, opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"selected":    len(items),
			"candidates":  len(req.Indices),
			"context_dim": opts.ContextDim,
			"items":       items,
		})
	}
}

type loadRequest struct {
	CSVPath             string `json:"csv_path"`
	NumTilesPerWSI      *int   `json:"num_tiles_per_wsi"`
	Seed                *int64 `json:"seed"`
	Mode                string `json:"mode"`
	Strict              *bool  `json:"strict"`
	ValidateCoordinates *bool  `json:"validate_coordinates"`
}

func loadSubmitHandler(jm *JobManager, defaults loadstore.RunParams) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req loadRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		// Apply defaults
		params := defaults
		if req.CSVPath != "" {
			params.CSVPath = req.CSVPath
		}
		if req.NumTilesPerWSI != nil {
			params.NumTilesPerWSI = *req.NumTilesPerWSI
		}
		if req.Seed != nil {
			params.Seed = *req.Seed
		}
		if req.Mode != "" {
			params.Mode = req.Mode
		}
		if req.Strict != nil {
			params.Strict = *req.Strict
		}
		if req.ValidateCoordinates != nil {
			params.ValidateCoordinates = *req.ValidateCoordinates
		}

		// Validate required fields
		if params.CSVPath == "" {
			http.Error(w, "csv_path is required", http.StatusBadRequest)
			return
		}
		if params.NumTilesPerWSI <= 0 {
			http.Error(w, "num_tiles_per_wsi must be positive", http.StatusBadRequest)
			return
		}
		if _, err := sampler.ParseMode(params.Mode); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		run, err := jm.Submit(params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": run.ID,
			"status": run.Status,
		})
	}
}

func loadListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		limit, err := queryInt(r, "limit", 20)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		runs, err := jm.List(limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if runs == nil {
			runs = []*loadstore.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func loadStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		run := jm.Get(jobID)
		if run == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func loadSlidesHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		if jm.Get(jobID) == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		// Parse pagination params
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit, err := queryInt(r, "limit", defaultRowsLimit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if limit > maxRowsLimit {
			limit = maxRowsLimit
		}
		failedOnly := r.URL.Query().Get("failed") == "true"

		slides, total, err := jm.Store().QueryOutcomes(jobID, failedOnly, offset, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if slides == nil {
			slides = []loadstore.SlideOutcome{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id": jobID,
			"total":  total,
			"offset": offset,
			"limit":  limit,
			"slides": slides,
		})
	}
}

func loadCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		if jm.Get(jobID) == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": jm.Cancel(jobID),
		})
	}
}

func statsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"loading": cfg.Session.Loading(),
		}
		if snap := cfg.Session.Current(); snap != nil {
			resp["rows"] = snap.Dataset.Len()
			resp["load_job_id"] = snap.JobID
		}
		if cfg.Tiles != nil {
			resp["tiles"] = cfg.Tiles.Stats()
		}
		if cfg.Cache != nil {
			resp["cache"] = cfg.Cache.Stats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
