package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/BTreeMap/CoursePipe/internal/models"
	"github.com/BTreeMap/CoursePipe/internal/scenario"
)

// healthResponse is the result of GET /health.
type healthResponse struct {
	LLMAvailable bool     `json:"llm_available"`
	Providers    []string `json:"providers"`
}

// userDataRequest is the body of PATCH /progress/courses/{courseId}/user-data.
type userDataRequest struct {
	Data  models.UserData `json:"data"`
	Merge *bool           `json:"merge,omitempty"`
}

func courseIDFrom(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("courseId"))
	if err != nil {
		slog.Warn("Server.courseIDFrom: invalid course id", "courseId", r.PathValue("courseId"))
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid course ID"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Providers: []string{}}
	if s.llm != nil {
		resp.LLMAvailable = s.llm.IsAvailable()
		for _, p := range s.llm.AvailableProviders() {
			resp.Providers = append(resp.Providers, string(p))
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

// currentBlockHandler handles GET /sessions/courses/{courseId}/current-block
func (s *Server) currentBlockHandler(w http.ResponseWriter, r *http.Request) {
	courseID, ok := courseIDFrom(w, r)
	if !ok {
		return
	}
	userID := userIDFrom(r.Context())
	slog.Debug("Server.currentBlockHandler: invoked", "userID", userID, "courseID", courseID, "requestID", requestIDFrom(r.Context()))

	res, err := s.engine.GetCurrentBlock(r.Context(), userID, courseID)
	if err != nil {
		writeEngineError(w, r, "Server.currentBlockHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.CurrentBlockResponse{CourseComplete: res == nil, Block: res}))
}

// submitBlockHandler handles POST /sessions/courses/{courseId}/submit-block
func (s *Server) submitBlockHandler(w http.ResponseWriter, r *http.Request) {
	courseID, ok := courseIDFrom(w, r)
	if !ok {
		return
	}
	userID := userIDFrom(r.Context())

	var req models.BlockInputRequest
	body := http.MaxBytesReader(w, r.Body, models.MaxInputPayloadBytes+1024)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		slog.Warn("Server.submitBlockHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.submitBlockHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Debug("Server.submitBlockHandler: invoked", "userID", userID, "courseID", courseID, "blockID", req.BlockID, "requestID", requestIDFrom(r.Context()))

	res, err := s.engine.SubmitBlockInput(r.Context(), userID, courseID, req.BlockID, req.Input)
	if err != nil {
		writeEngineError(w, r, "Server.submitBlockHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// nextBlockHandler handles POST /sessions/courses/{courseId}/next-block
func (s *Server) nextBlockHandler(w http.ResponseWriter, r *http.Request) {
	courseID, ok := courseIDFrom(w, r)
	if !ok {
		return
	}
	userID := userIDFrom(r.Context())
	slog.Debug("Server.nextBlockHandler: invoked", "userID", userID, "courseID", courseID, "requestID", requestIDFrom(r.Context()))

	res, err := s.engine.AdvanceBlock(r.Context(), userID, courseID)
	if err != nil {
		writeEngineError(w, r, "Server.nextBlockHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.CurrentBlockResponse{CourseComplete: res == nil, Block: res}))
}

// startCourseHandler handles POST /progress/courses/{courseId}/start
func (s *Server) startCourseHandler(w http.ResponseWriter, r *http.Request) {
	courseID, ok := courseIDFrom(w, r)
	if !ok {
		return
	}
	pos, err := s.engine.StartCourse(r.Context(), userIDFrom(r.Context()), courseID)
	if err != nil {
		writeEngineError(w, r, "Server.startCourseHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Course started", pos))
}

// getProgressHandler handles GET /progress/courses/{courseId}
func (s *Server) getProgressHandler(w http.ResponseWriter, r *http.Request) {
	courseID, ok := courseIDFrom(w, r)
	if !ok {
		return
	}
	pos, err := s.engine.GetProgress(r.Context(), userIDFrom(r.Context()), courseID)
	if err != nil {
		writeEngineError(w, r, "Server.getProgressHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pos))
}

// listProgressHandler handles GET /progress?active=true
func (s *Server) listProgressHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("active must be a boolean"))
			return
		}
		activeOnly = b
	}
	list, err := s.engine.ListProgress(r.Context(), userIDFrom(r.Context()), activeOnly)
	if err != nil {
		writeEngineError(w, r, "Server.listProgressHandler", err)
		return
	}
	if list == nil {
		list = []models.UserPosition{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

// updateUserDataHandler handles PATCH /progress/courses/{courseId}/user-data
func (s *Server) updateUserDataHandler(w http.ResponseWriter, r *http.Request) {
	courseID, ok := courseIDFrom(w, r)
	if !ok {
		return
	}
	var req userDataRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, models.MaxInputPayloadBytes)).Decode(&req); err != nil {
		slog.Warn("Server.updateUserDataHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Data.IsAbsent() || !req.Data.Root().IsObject() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("data must be a JSON object"))
		return
	}
	merge := req.Merge == nil || *req.Merge

	pos, err := s.engine.UpdateUserData(r.Context(), userIDFrom(r.Context()), courseID, req.Data, merge)
	if err != nil {
		writeEngineError(w, r, "Server.updateUserDataHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pos))
}

// putScenarioHandler handles PUT /courses/{courseId}/scenario. The body is JSON unless the
// Content-Type names YAML.
func (s *Server) putScenarioHandler(w http.ResponseWriter, r *http.Request) {
	if s.scenarios == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("Scenario upload is not enabled"))
		return
	}
	courseID, ok := courseIDFrom(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxScenarioBytes))
	if err != nil {
		slog.Warn("Server.putScenarioHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Scenario document too large"))
		return
	}

	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		if raw, err = scenario.YAMLToJSON(raw); err != nil {
			slog.Warn("Server.putScenarioHandler: invalid YAML", "courseID", courseID, "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}
	sc, err := scenario.Parse(raw)
	if err != nil {
		slog.Warn("Server.putScenarioHandler: invalid scenario", "courseID", courseID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.scenarios.SaveScenario(r.Context(), courseID, raw); err != nil {
		writeEngineError(w, r, "Server.putScenarioHandler", err)
		return
	}
	if s.cache != nil {
		s.cache.Invalidate(r.Context(), courseID)
	}
	slog.Info("Server.putScenarioHandler: scenario stored", "courseID", courseID, "sessions", len(sc.Order), "blocks", sc.TotalBlocks())
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Scenario stored", map[string]interface{}{
		"courseId": courseID,
		"sessions": sc.Order,
		"blocks":   sc.TotalBlocks(),
	}))
}
