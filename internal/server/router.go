// Package server exposes the orchestration engine over HTTP.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/metrics"
	"github.com/loykin/flotilla/internal/orchestrator"
)

// Router provides embeddable HTTP handlers for the engine.
// Endpoints (under basePath):
//
//	POST   /machines                      register a machine
//	GET    /machines                      list machines
//	DELETE /machines/:id                  remove an empty machine
//	POST   /processes                     create a process with instances
//	GET    /processes                     list processes
//	GET    /processes/:id                 one process
//	DELETE /processes/:id                 delete a stopped process
//	GET    /processes/:id/instances       its instances
//	PUT    /processes/:id/config          update config, marks instances stale
//	POST   /processes/:id/:action         initialize|start|stop|force-stop|restart|refresh-config
//	POST   /processes/:id/scale           add or remove instances
//	GET    /processes/:id/tasks           task ids for the process
//	POST   /instances/:id/:action         same actions for one instance
//	GET    /instances/:id/tasks           task ids touching the instance
//	GET    /tasks/:id                     task detail with per-instance steps
//
// Lifecycle actions return 202 with the created task id.
type Router struct {
	orch     *orchestrator.Orchestrator
	basePath string
}

func NewRouter(orch *orchestrator.Orchestrator, basePath string) *Router {
	return &Router{orch: orch, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.POST("/machines", r.handleCreateMachine)
	group.GET("/machines", r.handleListMachines)
	group.DELETE("/machines/:id", r.handleDeleteMachine)
	group.POST("/processes", r.handleCreateProcess)
	group.GET("/processes", r.handleListProcesses)
	group.GET("/processes/:id", r.handleGetProcess)
	group.DELETE("/processes/:id", r.handleDeleteProcess)
	group.GET("/processes/:id/instances", r.handleListInstances)
	group.PUT("/processes/:id/config", r.handleUpdateConfig)
	group.POST("/processes/:id/scale", r.handleScale)
	group.GET("/processes/:id/tasks", r.handleProcessTasks)
	group.POST("/processes/:id/:action", r.handleProcessAction)
	group.POST("/instances/:id/:action", r.handleInstanceAction)
	group.GET("/instances/:id/tasks", r.handleInstanceTasks)
	group.GET("/tasks/:id", r.handleTaskDetail)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, orch *orchestrator.Orchestrator) *http.Server {
	r := NewRouter(orch, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type taskResp struct {
	TaskID string `json:"task_id"`
}

func (r *Router) handleCreateMachine(c *gin.Context) {
	var m fleet.Machine
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.orch.RegisterMachine(c.Request.Context(), &m); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (r *Router) handleListMachines(c *gin.Context) {
	machines, err := r.orch.ListMachines(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, machines)
}

func (r *Router) handleDeleteMachine(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := r.orch.DeleteMachine(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createProcessReq struct {
	Name          string  `json:"name"`
	Module        string  `json:"module"`
	ConfigContent string  `json:"config_content"`
	JvmOptions    string  `json:"jvm_options"`
	DeployBaseDir string  `json:"deploy_base_dir"`
	MachineIDs    []int64 `json:"machine_ids"`
}

func (r *Router) handleCreateProcess(c *gin.Context) {
	var req createProcessReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	p := fleet.Process{
		Name:          req.Name,
		Module:        req.Module,
		ConfigContent: req.ConfigContent,
		JvmOptions:    req.JvmOptions,
		DeployBaseDir: req.DeployBaseDir,
	}
	instances, err := r.orch.CreateProcess(c.Request.Context(), &p, req.MachineIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"process": p, "instances": instances})
}

func (r *Router) handleListProcesses(c *gin.Context) {
	procs, err := r.orch.ListProcesses(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, procs)
}

func (r *Router) handleGetProcess(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := r.orch.GetProcess(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (r *Router) handleDeleteProcess(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := r.orch.DeleteProcess(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleListInstances(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	instances, err := r.orch.ListInstances(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, instances)
}

type updateConfigReq struct {
	ConfigContent string `json:"config_content"`
	JvmOptions    string `json:"jvm_options"`
}

func (r *Router) handleUpdateConfig(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateConfigReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.orch.UpdateProcessConfig(c.Request.Context(), id, req.ConfigContent, req.JvmOptions); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleScale(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req orchestrator.ScaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	res, err := r.orch.Scale(c.Request.Context(), id, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (r *Router) handleProcessAction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var taskID string
	var err error
	switch c.Param("action") {
	case "initialize":
		taskID, err = r.orch.InitializeProcess(ctx, id)
	case "start":
		taskID, err = r.orch.StartProcess(ctx, id)
	case "stop":
		taskID, err = r.orch.StopProcess(ctx, id)
	case "force-stop":
		taskID, err = r.orch.ForceStopProcess(ctx, id)
	case "restart":
		taskID, err = r.orch.RestartProcess(ctx, id)
	case "refresh-config":
		taskID, err = r.orch.RefreshProcessConfig(ctx, id)
	default:
		c.JSON(http.StatusNotFound, errorResp{Error: "unknown action " + c.Param("action")})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, taskResp{TaskID: taskID})
}

func (r *Router) handleInstanceAction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var taskID string
	var err error
	switch c.Param("action") {
	case "initialize":
		taskID, err = r.orch.InitializeInstance(ctx, id)
	case "start":
		taskID, err = r.orch.StartInstance(ctx, id)
	case "stop":
		taskID, err = r.orch.StopInstance(ctx, id)
	case "force-stop":
		taskID, err = r.orch.ForceStopInstance(ctx, id)
	case "restart":
		taskID, err = r.orch.RestartInstance(ctx, id)
	case "refresh-config":
		taskID, err = r.orch.RefreshInstanceConfig(ctx, id)
	default:
		c.JSON(http.StatusNotFound, errorResp{Error: "unknown action " + c.Param("action")})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, taskResp{TaskID: taskID})
}

func (r *Router) handleProcessTasks(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ids, err := r.orch.Tasks().IDsByProcess(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_ids": ids})
}

func (r *Router) handleInstanceTasks(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ids, err := r.orch.Tasks().IDsByInstance(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_ids": ids})
}

func (r *Router) handleTaskDetail(c *gin.Context) {
	detail, err := r.orch.Tasks().Detail(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid id: " + c.Param("id")})
		return 0, false
	}
	return id, true
}
