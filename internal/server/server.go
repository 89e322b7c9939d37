// Package server exposes test case generation over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/v0xg/uitestgen/internal/ai"
	"github.com/v0xg/uitestgen/internal/analysis"
	"github.com/v0xg/uitestgen/internal/pipeline"
	"github.com/v0xg/uitestgen/internal/testcase"
)

// UserHeader identifies the caller when the request body has no userId.
const UserHeader = "X-User-ID"

// Runner runs the generation pipeline.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, progress pipeline.Progress) (*pipeline.Result, error)
}

// CaseReader reads stored test cases.
type CaseReader interface {
	Get(ctx context.Context, id string) (*testcase.TestCase, error)
	List(ctx context.Context, projectID string) ([]testcase.TestCase, error)
}

// ModelClient is the operational surface of the AI engine.
type ModelClient interface {
	GetLogs() []ai.CallLogEntry
	ClearLogs()
	ResetCircuit()
	CircuitState() ai.CircuitState
}

// Server holds the handler dependencies.
type Server struct {
	runner   Runner
	cases    CaseReader
	model    ModelClient
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// New returns a Server. A nil gatherer serves the default registry.
func New(runner Runner, cases CaseReader, model ModelClient, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{runner: runner, cases: cases, model: model, gatherer: gatherer, logger: logger}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealth())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	{
		v1.POST("/testcases", s.handleGenerate())
		v1.GET("/testcases", s.handleList())
		v1.GET("/testcases/:id", s.handleGet())
		v1.GET("/ai/logs", s.handleLogs())
		v1.DELETE("/ai/logs", s.handleClearLogs())
		v1.GET("/ai/circuit", s.handleCircuit())
		v1.POST("/ai/circuit/reset", s.handleResetCircuit())
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status())
	}
}

// GenerateRequest is the body of POST /v1/testcases.
type GenerateRequest struct {
	URL          string                        `json:"url" binding:"omitempty,url"`
	Analysis     *analysis.ApplicationAnalysis `json:"analysis"`
	Learning     ai.LearningContext            `json:"learning"`
	SuggestFlows bool                          `json:"suggestFlows"`
	ProjectID    string                        `json:"projectId" binding:"required"`
	SuiteID      string                        `json:"suiteId"`
	UserID       string                        `json:"userId"`
}

// GenerateResponse is the body returned by POST /v1/testcases.
type GenerateResponse struct {
	TestCase      *testcase.TestCase `json:"testCase"`
	Specification any                `json:"specification"`
}

func (s *Server) handleGenerate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GenerateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}
		if req.URL == "" && req.Analysis == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url or analysis is required"})
			return
		}
		if req.UserID == "" {
			req.UserID = c.GetHeader(UserHeader)
		}
		if req.UserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId or " + UserHeader + " header is required"})
			return
		}

		s.logger.Info("generation requested", "url", req.URL, "projectId", req.ProjectID, "userId", req.UserID)
		res, err := s.runner.Run(c.Request.Context(), pipeline.Request{
			URL:         req.URL,
			Analysis:    req.Analysis,
			Learning:    req.Learning,
			SuggestFlow: req.SuggestFlows,
			ProjectID:   req.ProjectID,
			SuiteID:     req.SuiteID,
			UserID:      req.UserID,
		}, nil)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, GenerateResponse{TestCase: res.TestCase, Specification: res.Specification})
	}
}

func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		tc, err := s.cases.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, tc)
	}
}

func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		cases, err := s.cases.List(c.Request.Context(), c.Query("projectId"))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"testCases": cases, "count": len(cases)})
	}
}

func (s *Server) handleLogs() gin.HandlerFunc {
	return func(c *gin.Context) {
		logs := s.model.GetLogs()
		c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
	}
}

func (s *Server) handleClearLogs() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.model.ClearLogs()
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) handleCircuit() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"state": s.model.CircuitState().String()})
	}
}

func (s *Server) handleResetCircuit() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.model.ResetCircuit()
		s.logger.Warn("circuit breaker reset via API")
		c.JSON(http.StatusOK, gin.H{"state": s.model.CircuitState().String()})
	}
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "circuit": s.model.CircuitState().String()})
	}
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	var openErr *ai.CircuitOpenError
	var verr *ai.ValidationError
	switch {
	case errors.Is(err, testcase.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &openErr):
		status = http.StatusServiceUnavailable
		if openErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(openErr.RetryAfter.Seconds()))))
		}
	case errors.Is(err, ai.ErrUsageLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
		body["details"] = verr.Problems
	case errors.Is(err, ai.ErrMaxRetriesExceeded):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "status", status, "error", err)
	} else {
		s.logger.Warn("request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, body)
}
