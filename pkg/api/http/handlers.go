package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aescanero/dago-master/internal/application/coordinator"
)

const anonymousUser = "anonymous"

// QueryRequest represents a query submission
type QueryRequest struct {
	Query  string `json:"query" binding:"required"`
	UserID string `json:"userId"`
}

// QueryResponse carries the new session's ID
type QueryResponse struct {
	SessionID string `json:"sessionId"`
}

// LogLine is one entry of a session's log trail
type LogLine struct {
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth reports bus connectivity and worker pool status
func (s *Server) handleHealth(c *gin.Context) {
	busUp := s.busUp()

	checks := gin.H{"bus": "ok"}
	if !busUp {
		checks["bus"] = "disconnected"
	}

	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	}
	if s.health != nil {
		status := s.health.GetStatus()
		body["workers"] = status
		if !status.Consistent {
			checks["coordinator"] = "inconsistent"
		}
	}

	code := http.StatusOK
	if !busUp {
		body["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, body)
}

// handleSubmitQuery creates a session for a query and returns immediately
func (s *Server) handleSubmitQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Warn("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: "query is required",
			},
		})
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = anonymousUser
	}

	sessionID, err := s.coordinator.Submit(c.Request.Context(), userID, req.Query)
	if err != nil {
		if errors.Is(err, coordinator.ErrEmptyQuery) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: ErrorDetail{
					Code:    "INVALID_REQUEST",
					Message: err.Error(),
				},
			})
			return
		}

		s.logger.Error("failed to submit query", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "SUBMISSION_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, QueryResponse{SessionID: sessionID})
}

// handleGetResult returns the session snapshot, FAILED sessions included
func (s *Server) handleGetResult(c *gin.Context) {
	sessionID := c.Param("sessionId")

	sess, err := s.coordinator.Session(sessionID)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: ErrorDetail{
					Code:    "NOT_FOUND",
					Message: "session not found",
					Details: gin.H{"sessionId": sessionID},
				},
			})
			return
		}

		s.logger.Error("failed to get session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INTERNAL_ERROR",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, sess)
}

// handleGetLogs returns the session's log trail, an empty array when none
func (s *Server) handleGetLogs(c *gin.Context) {
	entries := s.coordinator.Logs(c.Param("sessionId"))

	lines := make([]LogLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, LogLine{
			Source:    string(e.Source),
			Message:   e.Message,
			Timestamp: e.Timestamp,
		})
	}

	c.JSON(http.StatusOK, lines)
}

// handleListWorkers returns the worker registry in registration order
func (s *Server) handleListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"workers": s.coordinator.Workers(),
	})
}
