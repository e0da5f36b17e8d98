package daemon

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apcdev/apc/internal/common/httpmw"
	"github.com/apcdev/apc/internal/gateway/websocket"
	"github.com/apcdev/apc/internal/orchestrator"
	"github.com/apcdev/apc/internal/state"
	"github.com/apcdev/apc/internal/taskgraph"
)

type startPlanningRequest struct {
	Requirement string   `json:"requirement" binding:"required"`
	Docs        []string `json:"docs"`
	Complexity  string   `json:"complexity"`
}

type reviseRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

type approveRequest struct {
	StartExecution bool `json:"startExecution"`
}

type addTaskRequest struct {
	Description string `json:"description" binding:"required"`
}

type answerRequest struct {
	Answer string `json:"answer" binding:"required"`
}

type resizeRequest struct {
	Size int `json:"size" binding:"required"`
}

type restRequest struct {
	Seconds int `json:"seconds"`
}

// router builds the daemon's HTTP surface: a health probe, the REST API,
// and the websocket event stream.
func (d *Daemon) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(d.logger, "apc-daemon"))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"workspace": d.cfg.WorkspaceRoot,
			"backend":   d.cfg.DefaultBackend,
			"pool":      d.pool.Counts(),
		})
	})

	wsHandler := websocket.NewHandler(d.hub, d.logger)
	engine.GET("/ws", wsHandler.HandleConnection)

	api := engine.Group("/api/v1")
	{
		api.POST("/sessions", d.handleStartPlanning)
		api.GET("/sessions", d.handleListSessions)
		api.GET("/sessions/:id", d.handleGetSession)
		api.DELETE("/sessions/:id", d.handleRemoveSession)

		api.GET("/sessions/:id/plan", d.handleGetPlan)
		api.GET("/sessions/:id/tasks", d.handleGetTasks)
		api.GET("/sessions/:id/history", d.handleGetHistory)
		api.GET("/sessions/:id/progress", d.handleGetProgress)

		api.POST("/sessions/:id/revise", d.handleRevise)
		api.POST("/sessions/:id/approve", d.handleApprove)
		api.POST("/sessions/:id/execute", d.handleExecute)
		api.POST("/sessions/:id/cancel", d.handleCancelPlan)
		api.POST("/sessions/:id/stop", d.handleStopSession)
		api.POST("/sessions/:id/complete", d.handleCompleteSession)
		api.POST("/sessions/:id/restart", d.handleRestartPlanning)
		api.POST("/sessions/:id/tasks", d.handleAddTask)

		api.POST("/tasks/:id/answer", d.handleAnswer)

		api.GET("/status", d.handleStatus)

		api.GET("/pool", d.handlePoolStatus)
		api.POST("/pool/resize", d.handlePoolResize)
		api.POST("/pool/agents/:agent/rest", d.handleAgentRest)
	}

	return engine
}

// fail maps domain errors onto HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var invalid *orchestrator.InvalidStatusError
	var badID *taskgraph.InvalidIDError
	switch {
	case errors.Is(err, state.ErrSessionNotFound),
		errors.Is(err, orchestrator.ErrNoPlan),
		errors.Is(err, taskgraph.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.As(err, &invalid):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrPlanHasCycle):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &badID):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (d *Daemon) handleStartPlanning(c *gin.Context) {
	var req startPlanningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := d.facade.StartPlanning(req.Requirement, req.Docs, req.Complexity)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (d *Daemon) handleListSessions(c *gin.Context) {
	sessions, err := d.facade.ListSessions()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (d *Daemon) handleGetSession(c *gin.Context) {
	sess, err := d.facade.GetSession(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (d *Daemon) handleRemoveSession(c *gin.Context) {
	if err := d.facade.RemoveSession(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (d *Daemon) handleGetPlan(c *gin.Context) {
	plan, err := d.facade.GetPlan(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

func (d *Daemon) handleGetTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": d.facade.GetTasks(c.Param("id"))})
}

func (d *Daemon) handleGetHistory(c *gin.Context) {
	history, err := d.facade.GetHistory(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (d *Daemon) handleGetProgress(c *gin.Context) {
	c.JSON(http.StatusOK, d.facade.Progress(c.Param("id")))
}

func (d *Daemon) handleRevise(c *gin.Context) {
	var req reviseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := d.facade.RevisePlan(c.Param("id"), req.Feedback)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (d *Daemon) handleApprove(c *gin.Context) {
	// The body is optional; approving with no body keeps execution manual.
	var req approveRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	sess, err := d.facade.ApprovePlan(c.Param("id"), req.StartExecution)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (d *Daemon) handleExecute(c *gin.Context) {
	sess, err := d.facade.StartExecution(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (d *Daemon) handleCancelPlan(c *gin.Context) {
	sess, err := d.facade.CancelPlan(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (d *Daemon) handleStopSession(c *gin.Context) {
	sess, err := d.facade.StopSession(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (d *Daemon) handleCompleteSession(c *gin.Context) {
	sess, err := d.facade.CompleteSession(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (d *Daemon) handleRestartPlanning(c *gin.Context) {
	sess, err := d.facade.RestartPlanning(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (d *Daemon) handleAddTask(c *gin.Context) {
	var req addTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := d.facade.AddTaskToPlan(c.Param("id"), req.Description)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (d *Daemon) handleAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := d.facade.AnswerQuestion(c.Param("id"), req.Answer); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (d *Daemon) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions":  d.coord.Views(),
		"pool":      d.pool.Counts(),
		"wsClients": d.hub.ClientCount(),
	})
}

func (d *Daemon) handlePoolStatus(c *gin.Context) {
	agents, counts := d.facade.PoolStatus()
	c.JSON(http.StatusOK, gin.H{"agents": agents, "counts": counts})
}

func (d *Daemon) handlePoolResize(c *gin.Context) {
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := d.facade.ResizePool(req.Size)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (d *Daemon) handleAgentRest(c *gin.Context) {
	var req restRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := d.facade.RestAgent(c.Param("agent"), req.Seconds); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
