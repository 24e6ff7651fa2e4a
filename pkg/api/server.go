// Package api serves the backend protocol over HTTP. Worker processes
// and the CLI talk to these routes through pkg/backend's typed client.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cicadatesting/cicada/pkg/services"
	"github.com/cicadatesting/cicada/pkg/types"
)

// Server hosts the backend protocol routes.
type Server struct {
	backend *services.BackendService
}

// NewServer creates a new API server over the backend service.
func NewServer(backend *services.BackendService) *Server {
	return &Server{backend: backend}
}

// Router builds the gin engine with all backend routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.Health)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/tests", s.CreateTest)
		apiGroup.POST("/tests/:testID/scenarios", s.CreateScenario)
		apiGroup.POST("/tests/:testID/events", s.AddTestEvent)
		apiGroup.GET("/tests/:testID/events", s.GetTestEvents)
		apiGroup.GET("/tests/:testID/instances/:instanceID", s.CheckTestInstance)
		apiGroup.DELETE("/tests/:testID/instances", s.CleanTestInstances)

		apiGroup.POST("/scenarios/:scenarioID/users", s.CreateUsers)
		apiGroup.DELETE("/scenarios/:scenarioID/users", s.StopUsers)
		apiGroup.POST("/scenarios/:scenarioID/work", s.DistributeWork)
		apiGroup.POST("/scenarios/:scenarioID/events", s.AddUserEvent)
		apiGroup.POST("/scenarios/:scenarioID/results/move", s.MoveUserResults)
		apiGroup.PUT("/scenarios/:scenarioID/result", s.SetScenarioResult)
		apiGroup.POST("/scenarios/:scenarioID/result/move", s.MoveScenarioResult)
		apiGroup.POST("/scenarios/:scenarioID/metrics", s.AddMetric)
		apiGroup.GET("/scenarios/:scenarioID/metrics/:name/total", s.GetMetricTotal)
		apiGroup.GET("/scenarios/:scenarioID/metrics/:name/last", s.GetLastMetric)
		apiGroup.GET("/scenarios/:scenarioID/metrics/:name/statistics", s.GetMetricStatistics)
		apiGroup.GET("/scenarios/:scenarioID/metrics/:name/rate", s.GetMetricRate)

		apiGroup.GET("/user-managers/:userManagerID/work", s.GetUserWork)
		apiGroup.GET("/user-managers/:userManagerID/events", s.GetUserEvents)
		apiGroup.POST("/user-managers/:userManagerID/results", s.AddUserResults)
	}

	return router
}

// Health reports server liveness.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// CreateTest registers a test and launches its runner instance.
func (s *Server) CreateTest(c *gin.Context) {
	req := CreateTestRequest{}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithBindingError(c, err)
		return
	}

	testID, err := s.backend.CreateTest(c.Request.Context(), req.BackendAddress, req.SchedulingMetadata, req.Tags, req.Env)

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateTestResponse{TestID: testID})
}

// CreateScenario registers a scenario and launches its runner instance.
func (s *Server) CreateScenario(c *gin.Context) {
	req := CreateScenarioRequest{}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithBindingError(c, err)
		return
	}

	scenarioID, err := s.backend.CreateScenario(
		c.Request.Context(),
		c.Param("testID"),
		req.Name,
		req.EncodedContext,
		req.UsersPerInstance,
		req.Tags,
	)

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateScenarioResponse{ScenarioID: scenarioID})
}

// AddTestEvent appends an event to the test's stream.
func (s *Server) AddTestEvent(c *gin.Context) {
	event := types.TestEvent{}

	if err := c.ShouldBindJSON(&event); err != nil {
		abortWithBindingError(c, err)
		return
	}

	if err := s.backend.AddTestEvent(c.Request.Context(), c.Param("testID"), event); err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetTestEvents drains the test's event stream.
func (s *Server) GetTestEvents(c *gin.Context) {
	events, err := s.backend.GetTestEvents(c.Request.Context(), c.Param("testID"))

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, TestEventsResponse{Events: events})
}

// CheckTestInstance reports whether one of the test's instances is
// still running.
func (s *Server) CheckTestInstance(c *gin.Context) {
	running, err := s.backend.CheckTestInstance(c.Request.Context(), c.Param("testID"), c.Param("instanceID"))

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, InstanceResponse{Running: running})
}

// CleanTestInstances tears down every instance of the test.
func (s *Server) CleanTestInstances(c *gin.Context) {
	if err := s.backend.CleanTestInstances(c.Request.Context(), c.Param("testID")); err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// CreateUsers scales a scenario up by the requested amount.
func (s *Server) CreateUsers(c *gin.Context) {
	req := AmountRequest{}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithBindingError(c, err)
		return
	}

	userManagerIDs, err := s.backend.CreateUsers(c.Request.Context(), c.Param("scenarioID"), req.Amount)

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateUsersResponse{UserManagerIDs: userManagerIDs})
}

// StopUsers scales a scenario down by the requested amount.
func (s *Server) StopUsers(c *gin.Context) {
	req := AmountRequest{}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithBindingError(c, err)
		return
	}

	if err := s.backend.StopUsers(c.Request.Context(), c.Param("scenarioID"), req.Amount); err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// DistributeWork splits work across the scenario's managers.
func (s *Server) DistributeWork(c *gin.Context) {
	req := AmountRequest{}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithBindingError(c, err)
		return
	}

	if err := s.backend.DistributeWork(c.Request.Context(), c.Param("scenarioID"), req.Amount); err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// AddUserEvent broadcasts an event to the scenario's managers.
func (s *Server) AddUserEvent(c *gin.Context) {
	event := types.UserEvent{}

	if err := c.ShouldBindJSON(&event); err != nil {
		abortWithBindingError(c, err)
		return
	}

	if err := s.backend.AddUserEvent(c.Request.Context(), c.Param("scenarioID"), event); err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// MoveUserResults drains up to limit user results for the scenario.
func (s *Server) MoveUserResults(c *gin.Context) {
	req := MoveUserResultsRequest{}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithBindingError(c, err)
		return
	}

	results, err := s.backend.MoveUserResults(c.Request.Context(), c.Param("scenarioID"), req.Limit)

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, UserResultsResponse{Results: results})
}

// SetScenarioResult records the scenario's one-shot final result.
func (s *Server) SetScenarioResult(c *gin.Context) {
	req := SetScenarioResultRequest{}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithBindingError(c, err)
		return
	}

	err := s.backend.SetScenarioResult(
		c.Request.Context(),
		c.Param("scenarioID"),
		req.Output,
		req.Exception,
		req.Logs,
		req.TimeTaken,
		req.Succeeded,
		req.Failed,
	)

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// MoveScenarioResult returns the final result exactly once; 404 before
// it is set and after it is taken.
func (s *Server) MoveScenarioResult(c *gin.Context) {
	result, err := s.backend.MoveScenarioResult(c.Request.Context(), c.Param("scenarioID"))

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// AddMetric appends a metric sample to a scenario series.
func (s *Server) AddMetric(c *gin.Context) {
	req := AddMetricRequest{}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithBindingError(c, err)
		return
	}

	if err := s.backend.AddMetric(c.Request.Context(), c.Param("scenarioID"), req.Name, *req.Value); err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetMetricTotal returns the running sum of a metric series.
func (s *Server) GetMetricTotal(c *gin.Context) {
	total, err := s.backend.GetMetricTotal(c.Request.Context(), c.Param("scenarioID"), c.Param("name"))

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, MetricValueResponse{Value: total})
}

// GetLastMetric returns the latest sample of a metric series.
func (s *Server) GetLastMetric(c *gin.Context) {
	last, err := s.backend.GetLastMetric(c.Request.Context(), c.Param("scenarioID"), c.Param("name"))

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, MetricValueResponse{Value: last})
}

// GetMetricStatistics returns order statistics over a metric series.
func (s *Server) GetMetricStatistics(c *gin.Context) {
	stats, err := s.backend.GetMetricStatistics(c.Request.Context(), c.Param("scenarioID"), c.Param("name"))

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetMetricRate returns the fraction of samples at or above the split
// query parameter.
func (s *Server) GetMetricRate(c *gin.Context) {
	split, err := strconv.ParseFloat(c.Query("split"), 64)

	if err != nil {
		abortWithBindingError(c, err)
		return
	}

	rate, err := s.backend.GetMetricRate(c.Request.Context(), c.Param("scenarioID"), c.Param("name"), split)

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, MetricValueResponse{Value: rate})
}

// GetUserWork drains a manager's work counter.
func (s *Server) GetUserWork(c *gin.Context) {
	amount, err := s.backend.GetUserWork(c.Request.Context(), c.Param("userManagerID"))

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, WorkResponse{Amount: amount})
}

// GetUserEvents drains a manager's event queue for one kind.
func (s *Server) GetUserEvents(c *gin.Context) {
	kind := c.Query("kind")

	if kind == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind query parameter is required"})
		return
	}

	events, err := s.backend.GetUserEvents(c.Request.Context(), c.Param("userManagerID"), kind)

	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, UserEventsResponse{Events: events})
}

// AddUserResults appends a batch of results to a manager's queue.
func (s *Server) AddUserResults(c *gin.Context) {
	req := AddUserResultsRequest{}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithBindingError(c, err)
		return
	}

	if err := s.backend.AddUserResults(c.Request.Context(), c.Param("userManagerID"), req.Results); err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
