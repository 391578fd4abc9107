package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/audiomesh/conductor/pkg/orchestrator"
	"github.com/audiomesh/conductor/pkg/storage"
	"github.com/audiomesh/conductor/pkg/types"
	"github.com/gin-gonic/gin"
)

type registerRequest struct {
	ServerID   string `json:"server_id" binding:"required"`
	IP         string `json:"ip" binding:"required"`
	Port       int    `json:"port" binding:"required"`
	MaxStreams int    `json:"max_streams" binding:"required"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": StatusError, "message": err.Error()})
		return
	}

	result, err := s.orch.RegisterInstance(req.ServerID, req.IP, req.Port, req.MaxStreams)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": StatusError, "message": err.Error()})
		return
	}

	status := StatusSuccess
	if result.Status == "already_registered" {
		status = StatusAlreadyRegistered
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           status,
		"server_id":        result.ServerID,
		"assigned_streams": result.AssignedStreams,
	})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req orchestrator.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": StatusError, "message": err.Error()})
		return
	}

	instructions, err := s.orch.ProcessHeartbeat(&req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": StatusError, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": StatusSuccess, "instructions": instructions})
}

type createStreamRequest struct {
	StreamID string `json:"stream_id" binding:"required"`
}

func (s *Server) handleCreateStream(c *gin.Context) {
	var req createStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": StatusError, "message": err.Error()})
		return
	}

	if err := s.orch.CreateStream(req.StreamID); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, storage.ErrStreamExists) {
			code = http.StatusConflict
		}
		c.JSON(code, gin.H{"status": StatusError, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": StatusSuccess, "stream_id": req.StreamID})
}

type assignRequest struct {
	ServerID       string `json:"server_id" binding:"required"`
	RequestedCount int    `json:"requested_count" binding:"required"`
}

func (s *Server) handleAssignStreams(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": StatusError, "message": err.Error()})
		return
	}

	assigned, err := s.orch.AssignStreams(req.ServerID, req.RequestedCount)
	switch {
	case errors.Is(err, orchestrator.ErrNoCapacity):
		c.JSON(http.StatusOK, gin.H{"status": StatusNoCapacity, "assigned_streams": []string{}})
	case errors.Is(err, storage.ErrInstanceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"status": StatusNotFound, "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"status": StatusError, "message": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": StatusSuccess, "assigned_streams": assigned})
	}
}

type releaseStreamsRequest struct {
	ServerID  string   `json:"server_id" binding:"required"`
	StreamIDs []string `json:"stream_ids" binding:"required"`
}

func (s *Server) handleReleaseStreams(c *gin.Context) {
	var req releaseStreamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": StatusError, "message": err.Error()})
		return
	}

	released, err := s.orch.ReleaseStreams(req.ServerID, req.StreamIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": StatusError, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": StatusSuccess, "released_streams": released})
}

type failureRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleInstanceFailure(c *gin.Context) {
	// Body is optional; a bare POST still records the failure.
	var req failureRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "reported via api"
	}

	result, err := s.orch.HandleInstanceFailure(c.Param("id"), req.Reason)
	switch {
	case errors.Is(err, storage.ErrInstanceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"status": StatusNotFound, "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"status": StatusError, "message": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":             StatusSuccess,
			"recovery_performed": result.RecoveryPerformed,
			"streams_released":   result.StreamsReleased,
			"streams_moved":      result.StreamsMoved,
		})
	}
}

func (s *Server) handleListInstances(c *gin.Context) {
	instances, err := s.store.ListInstances()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": StatusError, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": StatusSuccess, "instances": instances})
}

func (s *Server) handleSystemHealth(c *gin.Context) {
	status, err := s.orch.SystemStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": StatusError, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": StatusSuccess, "system": status})
}

func (s *Server) handleTriggerRebalance(c *gin.Context) {
	result, err := s.orch.TriggerRebalance(types.RebalanceReasonManual)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": StatusError, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": StatusSuccess, "result": result})
}

func (s *Server) handleRebalanceHistory(c *gin.Context) {
	history, err := s.store.ListRebalanceHistory(limitParam(c, 10))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": StatusError, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": StatusSuccess, "history": history})
}

func (s *Server) handleConsistencyCheck(c *gin.Context) {
	report, err := s.checker.VerifyStreamAssignments(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": StatusError, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": StatusSuccess, "report": report})
}

func (s *Server) handleConsistencyHistory(c *gin.Context) {
	reports, err := s.store.ListConsistencyReports(limitParam(c, 10))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": StatusError, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": StatusSuccess, "reports": reports})
}

// handleResolveStream verifies current state and resolves the issues found
// for one stream
func (s *Server) handleResolveStream(c *gin.Context) {
	streamID := c.Param("stream_id")

	report, err := s.checker.VerifyStreamAssignments(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": StatusError, "message": err.Error()})
		return
	}

	var issues []types.StreamAssignmentIssue
	for _, issue := range report.StreamIssues {
		if issue.StreamID == streamID {
			issues = append(issues, issue)
		}
	}
	if len(issues) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"status": StatusNotFound, "message": "no issues found for stream " + streamID})
		return
	}

	results := s.checker.ResolveConflicts(c.Request.Context(), issues)
	c.JSON(http.StatusOK, gin.H{"status": StatusSuccess, "results": results})
}

func (s *Server) handleSyncInstance(c *gin.Context) {
	result, err := s.checker.SynchronizeInstanceState(c.Request.Context(), c.Param("instance_id"))
	switch {
	case errors.Is(err, storage.ErrInstanceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"status": StatusNotFound, "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"status": StatusError, "message": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": StatusSuccess, "result": result})
	}
}

func limitParam(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
