package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"amifit/internal/pipeline"
	"amifit/internal/storage"
	"amifit/internal/watch"

	"github.com/gorilla/mux"
)

type jobRunner interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the job queue, stored results and a live result stream.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline jobRunner
	watcher  *watch.Watcher
	hub      *Hub
	output   string
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. When watchDirs is non-empty new exposures
// dropped there are queued automatically.
func NewServer(addr string, store *storage.Store, pipe jobRunner, watchDirs []string, output string, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      NewHub(log),
		output:   output,
		log:      log,
	}

	if len(watchDirs) > 0 {
		w, err := watch.New(watchDirs, output, pipe, log)
		if err != nil {
			log.Warn("failed to set up watcher", "error", err)
		} else {
			s.watcher = w
			log.Info("watcher initialized", "paths", watchDirs)
		}
	}

	return s, nil
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start begins the server and monitoring services
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("failed to start watcher", "error", err)
			return err
		}
	}

	go s.hub.Run(ctx)
	go s.forwardResults(ctx)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")

		if s.watcher != nil {
			s.watcher.Stop()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/fit", s.handleSubmitFit).Methods("POST")
	r.HandleFunc("/jobs/calibrate", s.handleSubmitCalibrate).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/jobs/{id}/slices", s.handleJobSlices).Methods("GET")
	r.HandleFunc("/jobs/{id}/observables", s.handleJobObservables).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")
}

// ResultEvent is the wire form of a pipeline result.
type ResultEvent struct {
	ID     string           `json:"id"`
	Type   pipeline.JobType `json:"type"`
	Input  string           `json:"input"`
	Status string           `json:"status"`
	Error  string           `json:"error,omitempty"`
	Meta   map[string]any   `json:"meta,omitempty"`
}

func newResultEvent(res pipeline.Result) ResultEvent {
	ev := ResultEvent{
		ID:     res.Job.ID,
		Type:   res.Job.Type,
		Input:  res.Job.InputPath,
		Status: "completed",
		Meta:   res.Meta,
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) forwardResults(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newResultEvent(res))
			if err != nil {
				s.log.Warn("encode result event", "job", res.Job.ID, "error", err)
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type fitRequest struct {
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleSubmitFit(w http.ResponseWriter, r *http.Request) {
	var req fitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}
	if req.Output == "" {
		req.Output = s.output
	}
	s.submit(w, pipeline.Job{
		ID:        pipeline.NewID("fit"),
		Type:      pipeline.JobFit,
		InputPath: req.Input,
		Output:    req.Output,
		Options:   withSource(req.Options),
	})
}

type calibrateRequest struct {
	Target      string   `json:"target"`
	Calibrators []string `json:"calibrators"`
	Output      string   `json:"output"`
}

func (s *Server) handleSubmitCalibrate(w http.ResponseWriter, r *http.Request) {
	var req calibrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Target == "" || len(req.Calibrators) == 0 {
		http.Error(w, "target and calibrators are required", http.StatusBadRequest)
		return
	}
	if req.Output == "" {
		req.Output = s.output
	}
	s.submit(w, pipeline.Job{
		ID:        pipeline.NewID("cal"),
		Type:      pipeline.JobCalibrate,
		InputPath: req.Target,
		Output:    req.Output,
		Options: withSource(map[string]any{
			"target":      req.Target,
			"calibrators": req.Calibrators,
		}),
	})
}

func (s *Server) submit(w http.ResponseWriter, job pipeline.Job) {
	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrQueueFull):
			status = http.StatusServiceUnavailable
		case errors.Is(err, storage.ErrDuplicateJob):
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.store.JobMeta(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

type sliceFitJSON struct {
	Index       int      `json:"index"`
	Status      string   `json:"status"`
	RSS         *float64 `json:"rss"`
	OffsetX     float64  `json:"offset_x"`
	OffsetY     float64  `json:"offset_y"`
	RotationDeg float64  `json:"rotation_deg"`
	NPixels     int      `json:"n_pixels"`
	Flux        *float64 `json:"flux"`
	Error       string   `json:"error,omitempty"`
}

func (s *Server) handleJobSlices(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.SliceFits(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]sliceFitJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, sliceFitJSON{
			Index:       rec.SliceIndex,
			Status:      rec.Status,
			RSS:         finite(rec.RSS),
			OffsetX:     rec.OffsetX,
			OffsetY:     rec.OffsetY,
			RotationDeg: rec.RotationDeg,
			NPixels:     rec.NPixels,
			Flux:        finite(rec.Flux),
			Error:       rec.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobObservables(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = storage.KindSummary
	}
	rec, err := s.store.LatestObservables(id, kind)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "no observables for job", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(rec.PayloadJSON))
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newResultEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func withSource(opts map[string]any) map[string]any {
	if opts == nil {
		opts = map[string]any{}
	}
	opts["source"] = "http"
	return opts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
