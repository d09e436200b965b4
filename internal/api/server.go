// Package api exposes the valuation engine over HTTP: ranked
// opportunity queries, per-property analysis, and ingestion control.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/propscan/propscan-cli/internal/comparables"
	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/store"
)

// IngestRunner triggers ingestion jobs.
type IngestRunner interface {
	Run(ctx context.Context, scope []string, force bool) (string, error)
}

// Server serves the query API.
type Server struct {
	st     store.Store
	sel    *comparables.Selector
	ingest IngestRunner
	log    *zap.Logger
}

// NewServer wires the API over the store, comparable selector, and
// ingestion coordinator.
func NewServer(st store.Store, sel *comparables.Selector, ingest IngestRunner) *Server {
	return &Server{
		st:     st,
		sel:    sel,
		ingest: ingest,
		log:    zap.L().Named("api"),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/opportunities", s.handleOpportunities)
		r.Get("/properties/{uprn}/analysis", s.handleAnalysis)
		r.Post("/system/ingest", s.handleIngest)
		r.Get("/system/status", s.handleStatus)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	district := strings.ToUpper(strings.TrimSpace(q.Get("district")))
	if district == "" {
		writeError(w, http.StatusBadRequest, "district is required")
		return
	}

	filter := store.OpportunityFilter{PostcodeDistrict: district}

	if v := q.Get("min_discount"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_discount must be a number")
			return
		}
		filter.MinDiscount = &f
	}
	if v := q.Get("max_price"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "max_price must be a number")
			return
		}
		filter.MaxPrice = &f
	}
	if v := q.Get("property_types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			filter.PropertyTypes = append(filter.PropertyTypes, model.ParsePropertyType(t))
		}
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	page, err := s.st.QueryOpportunities(r.Context(), filter)
	if err != nil {
		s.internalError(w, err, "query opportunities")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// transactionView is a sale record decorated with the PPSF it implies
// given the property's current floor area.
type transactionView struct {
	model.HistoricalTransaction
	PPSF *float64 `json:"ppsf,omitempty"`
}

// analysisResponse is the full picture for one property. Metrics is
// null for a property that has never been through a recompute.
type analysisResponse struct {
	Property     model.CanonicalProperty `json:"property"`
	Listing      *model.ActiveListing    `json:"listing,omitempty"`
	Metrics      *model.ValuationMetrics `json:"metrics"`
	Transactions []transactionView       `json:"transactions"`
	Comparables  *comparables.Selection  `json:"comparables,omitempty"`
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	uprn := chi.URLParam(r, "uprn")

	p, err := s.st.GetProperty(r.Context(), uprn)
	if eris.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown property")
		return
	}
	if err != nil {
		s.internalError(w, err, "load property")
		return
	}

	resp := analysisResponse{Property: *p}

	m, err := s.st.GetMetrics(r.Context(), uprn)
	switch {
	case err == nil:
		resp.Metrics = m
	case eris.Is(err, store.ErrNotFound):
	default:
		s.internalError(w, err, "load metrics")
		return
	}

	if p.CurrentListingID != nil {
		l, err := s.st.GetListing(r.Context(), *p.CurrentListingID)
		if err == nil {
			resp.Listing = l
		} else if !eris.Is(err, store.ErrNotFound) {
			s.internalError(w, err, "load listing")
			return
		}
	}

	txs, err := s.st.TransactionsByUPRN(r.Context(), uprn)
	if err != nil {
		s.internalError(w, err, "load transactions")
		return
	}
	resp.Transactions = make([]transactionView, len(txs))
	for i := range txs {
		resp.Transactions[i] = transactionView{
			HistoricalTransaction: txs[i],
			PPSF:                  txs[i].PPSF(p.FloorAreaSqft),
		}
	}

	sel, err := s.sel.Select(r.Context(), p, time.Now().UTC())
	if err != nil {
		s.internalError(w, err, "select comparables")
		return
	}
	resp.Comparables = sel

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope []string `json:"scope"`
		Force bool     `json:"force"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	jobID, err := s.ingest.Run(r.Context(), req.Scope, req.Force)
	if err != nil {
		s.internalError(w, err, "trigger ingestion")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(model.JobQueued),
	})
}

// statusResponse reports corpus counts, the latest job, and per-source
// pull freshness.
type statusResponse struct {
	Stats   *store.Stats        `json:"stats"`
	LastJob *model.IngestionJob `json:"last_job,omitempty"`
	Pulls   []store.PullRecord  `json:"pulls"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.st.Stats(r.Context())
	if err != nil {
		s.internalError(w, err, "load stats")
		return
	}

	resp := statusResponse{Stats: stats}

	job, err := s.st.LastJob(r.Context())
	switch {
	case err == nil:
		resp.LastJob = job
	case eris.Is(err, store.ErrNotFound):
	default:
		s.internalError(w, err, "load last job")
		return
	}

	pulls, err := s.st.ListPulls(r.Context())
	if err != nil {
		s.internalError(w, err, "list pulls")
		return
	}
	if pulls == nil {
		pulls = []store.PullRecord{}
	}
	resp.Pulls = pulls

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) internalError(w http.ResponseWriter, err error, msg string) {
	s.log.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
