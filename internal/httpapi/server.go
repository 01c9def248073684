// Package httpapi is the thin JSON surface UI-layer collaborators talk
// to: meals CRUD, retry, history clearing, derived views, export/import,
// and a WebSocket stream of store mutation events.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/plateworks/mealvault/internal/mealstore"
)

// PermissionRequester asks the external health datastore for write
// access. The healthsync bridge implements it.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) (bool, error)
}

type ServerConfig struct {
	// AuthToken, when set, is required as a bearer token on every /v1
	// route. Empty disables auth (local development).
	AuthToken    string
	MaxBodyBytes int64
	Permissions  PermissionRequester
	Logger       *logrus.Logger
}

type Server struct {
	store    *mealstore.Store
	pipeline *mealstore.Pipeline
	events   *mealstore.EventBus
	cfg      ServerConfig
	log      *logrus.Logger
}

func NewServer(store *mealstore.Store, pipeline *mealstore.Pipeline, events *mealstore.EventBus, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20 // bundles carry inline images
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		store:    store,
		pipeline: pipeline,
		events:   events,
		cfg:      cfg,
		log:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "meals" && r.Method == http.MethodGet:
		s.handleList(w)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "meals" && r.Method == http.MethodPost:
		s.handleCreate(w, r, false)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "meals" && parts[2] == "pending" && r.Method == http.MethodPost:
		s.handleCreate(w, r, true)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "meals" && r.Method == http.MethodGet:
		s.handleGet(w, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "meals" && r.Method == http.MethodPatch:
		s.handleUpdate(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "meals" && r.Method == http.MethodDelete:
		s.handleDelete(w, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "meals" && parts[3] == "retry" && r.Method == http.MethodPost:
		s.handleRetry(w, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "meals" && parts[3] == "correct" && r.Method == http.MethodPost:
		s.handleCorrect(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "permission" && r.Method == http.MethodPost:
		s.handleSyncPermission(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "history" && parts[2] == "clear" && r.Method == http.MethodPost:
		s.handleClear(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "views" && parts[2] == "daily" && r.Method == http.MethodGet:
		s.handleDaily(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "views" && parts[2] == "weekly" && r.Method == http.MethodGet:
		s.handleWeekly(w, r)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "export" && r.Method == http.MethodGet:
		s.handleExport(w)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "import" && r.Method == http.MethodPost:
		s.handleImport(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "events" && parts[2] == "ws":
		s.handleEventsWS(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleList(w http.ResponseWriter) {
	records, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meals": records})
}

type createRequest struct {
	ID            string              `json:"id"`
	Timestamp     time.Time           `json:"timestamp"`
	ImageURI      string              `json:"imageUri,omitempty"`
	AfterImageURI string              `json:"afterImageUri,omitempty"`
	Comment       string              `json:"comment,omitempty"`
	Analysis      *mealstore.Analysis `json:"analysis,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, pending bool) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	rec := &mealstore.Record{
		ID:            req.ID,
		Timestamp:     req.Timestamp,
		ImageURI:      req.ImageURI,
		AfterImageURI: req.AfterImageURI,
		Comment:       req.Comment,
		Analysis:      req.Analysis,
	}
	var err error
	if pending {
		err = s.store.CreatePending(rec)
	} else {
		err = s.store.Create(rec)
	}
	if err != nil {
		if errors.Is(err, mealstore.ErrInvalidRecord) || errors.Is(err, mealstore.ErrBlobCopy) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if pending && s.pipeline != nil {
		go s.pipeline.Process(context.Background(), rec)
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, id string) {
	rec, err := s.store.GetByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", "meal not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type updateRequest struct {
	Timestamp     *time.Time            `json:"timestamp,omitempty"`
	ImageURI      *string               `json:"imageUri,omitempty"`
	AfterImageURI *string               `json:"afterImageUri,omitempty"`
	Comment       *string               `json:"comment,omitempty"`
	Analysis      *mealstore.Analysis   `json:"analysis,omitempty"`
	Title         *string               `json:"title,omitempty"`
	Totals        *mealstore.MealTotals `json:"totals,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	rec, err := s.store.Update(id, mealstore.RecordPatch{
		Timestamp:     req.Timestamp,
		ImageURI:      req.ImageURI,
		AfterImageURI: req.AfterImageURI,
		Comment:       req.Comment,
		Analysis:      req.Analysis,
		Title:         req.Title,
		Totals:        req.Totals,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", "meal not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, id string) {
	if err := s.store.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleRetry(w http.ResponseWriter, id string) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "analysis pipeline is not configured")
		return
	}
	rec, err := s.store.GetByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", "meal not found")
		return
	}
	go func() {
		if retryErr := s.pipeline.Retry(context.Background(), id); retryErr != nil {
			s.log.WithField("id", id).WithError(retryErr).Warn("retry failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying", "id": id})
}

func (s *Server) handleCorrect(w http.ResponseWriter, r *http.Request, id string) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "analysis pipeline is not configured")
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Comment string `json:"comment"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Comment) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "a correction comment is required")
		return
	}
	rec, err := s.pipeline.Correct(r.Context(), id, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, mealstore.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, mealstore.ErrAnalysisFailed):
			writeError(w, http.StatusBadGateway, "analysis_failed", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSyncPermission(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Permissions == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "health sync is not configured")
		return
	}
	granted, err := s.cfg.Permissions.RequestPermission(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "permission_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Range string `json:"range"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	removed, err := s.store.ClearByTimeRange(mealstore.ClearRange(req.Range))
	if err != nil {
		if errors.Is(err, mealstore.ErrInvalidRange) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	day := time.Now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	records, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mealstore.DailyTotals(records, day))
}

func (s *Server) handleWeekly(w http.ResponseWriter, r *http.Request) {
	end := time.Now()
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "end must be YYYY-MM-DD")
			return
		}
		end = parsed
	}
	records, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": mealstore.WeeklySeries(records, end)})
}

func (s *Server) handleExport(w http.ResponseWriter) {
	bundle, err := s.store.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	bundle, err := mealstore.ParseBundle(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	imported, err := s.store.Import(bundle)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": imported})
}

// handleEventsWS upgrades to a WebSocket and relays store events until
// the client goes away. Slow clients miss events rather than blocking
// store operations; reconnecting clients should re-list.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream is not configured")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ch, cancel := s.events.Subscribe(32)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, open := <-ch:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
