package httpapi

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"skytask/internal/catalog"
	"skytask/internal/fleet"
	"skytask/internal/model"
	"skytask/internal/tenant"
)

type Catalog interface {
	Create(ctx context.Context, t tenant.Tenant, req catalog.TaskRequest, operator string) (model.Task, error)
	Update(ctx context.Context, t tenant.Tenant, id int64, req catalog.TaskRequest) (model.Task, error)
	Delete(ctx context.Context, t tenant.Tenant, id int64) error
	Toggle(ctx context.Context, t tenant.Tenant, id int64, enabled bool) (model.Task, error)
	Trigger(ctx context.Context, t tenant.Tenant, id int64, operator string, payload map[string]any) (*model.Instance, error)
	Get(ctx context.Context, t tenant.Tenant, id int64) (model.Task, error)
	List(ctx context.Context, t tenant.Tenant) ([]model.Task, error)
}

type Executions interface {
	Executions(ctx context.Context, t tenant.Tenant, taskID int64, limit int) ([]model.Instance, error)
	HandleWorkerResult(ctx context.Context, t tenant.Tenant, res model.ExecutionResult) error
}

type Fleet interface {
	Heartbeat(hb fleet.Heartbeat) (fleet.Node, error)
	Offline(id string) (fleet.Node, error)
	Rebalance(id string) (fleet.Node, error)
	Get(id string) (fleet.Node, error)
	Shards(id string) ([]int, error)
	List() []fleet.Node
	Metrics() fleet.Metrics
}

type taskHandler struct {
	cat  Catalog
	exec Executions
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid task id "+strconv.Quote(c.Param("id")))
		return 0, false
	}
	return id, true
}

// POST /api/v1/tasks
func (h *taskHandler) create(c *gin.Context) {
	var req catalog.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid task body: "+err.Error())
		return
	}
	task, err := h.cat.Create(c.Request.Context(), tenantOf(c), req, operatorOf(c, ""))
	if err != nil {
		fail(c, err)
		return
	}
	created(c, task)
}

// GET /api/v1/tasks
func (h *taskHandler) list(c *gin.Context) {
	tasks, err := h.cat.List(c.Request.Context(), tenantOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	list(c, tasks)
}

// GET /api/v1/tasks/:id
func (h *taskHandler) get(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	task, err := h.cat.Get(c.Request.Context(), tenantOf(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, task)
}

// PUT /api/v1/tasks/:id
func (h *taskHandler) update(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req catalog.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid task body: "+err.Error())
		return
	}
	task, err := h.cat.Update(c.Request.Context(), tenantOf(c), id, req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, task)
}

// DELETE /api/v1/tasks/:id
func (h *taskHandler) delete(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	if err := h.cat.Delete(c.Request.Context(), tenantOf(c), id); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"id": id, "deleted": true})
}

type toggleBody struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// POST /api/v1/tasks/:id/toggle
func (h *taskHandler) toggle(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var body toggleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "enabled is required")
		return
	}
	task, err := h.cat.Toggle(c.Request.Context(), tenantOf(c), id, *body.Enabled)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, task)
}

type triggerBody struct {
	Operator   string         `json:"operator"`
	Parameters map[string]any `json:"parameters"`
}

// POST /api/v1/tasks/:id/trigger; the body is optional.
func (h *taskHandler) trigger(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var body triggerBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid trigger body: "+err.Error())
			return
		}
	}
	in, err := h.cat.Trigger(c.Request.Context(), tenantOf(c), id, operatorOf(c, body.Operator), body.Parameters)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, in)
}

// GET /api/v1/tasks/:id/executions?limit=N
func (h *taskHandler) executions(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "invalid limit "+strconv.Quote(raw))
			return
		}
		limit = n
	}
	out, err := h.exec.Executions(c.Request.Context(), tenantOf(c), id, limit)
	if err != nil {
		fail(c, err)
		return
	}
	list(c, out)
}

// POST /api/v1/worker/callback
func (h *taskHandler) callback(c *gin.Context) {
	var res model.ExecutionResult
	if err := c.ShouldBindJSON(&res); err != nil {
		badRequest(c, "invalid callback body: "+err.Error())
		return
	}
	if strings.TrimSpace(res.InstanceID) == "" {
		badRequest(c, "instanceId is required")
		return
	}
	if err := h.exec.HandleWorkerResult(c.Request.Context(), tenantOf(c), res); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"instanceId": res.InstanceID, "accepted": true})
}

type nodeHandler struct{ fleet Fleet }

// POST /api/v1/nodes/:id/heartbeat
func (h *nodeHandler) heartbeat(c *gin.Context) {
	var hb fleet.Heartbeat
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&hb); err != nil {
			badRequest(c, "invalid heartbeat body: "+err.Error())
			return
		}
	}
	hb.NodeID = c.Param("id")
	n, err := h.fleet.Heartbeat(hb)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, n)
}

// GET /api/v1/nodes
func (h *nodeHandler) list(c *gin.Context) { list(c, h.fleet.List()) }

// GET /api/v1/nodes/metrics
func (h *nodeHandler) metrics(c *gin.Context) { ok(c, h.fleet.Metrics()) }

type nodeDetail struct {
	fleet.Node
	Shards []int `json:"shards"`
}

// GET /api/v1/nodes/:id
func (h *nodeHandler) get(c *gin.Context) {
	id := c.Param("id")
	n, err := h.fleet.Get(id)
	if err != nil {
		fail(c, err)
		return
	}
	shards, err := h.fleet.Shards(id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, nodeDetail{Node: n, Shards: shards})
}

// POST /api/v1/nodes/:id/offline
func (h *nodeHandler) offline(c *gin.Context) {
	n, err := h.fleet.Offline(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, n)
}

// POST /api/v1/nodes/:id/rebalance
func (h *nodeHandler) rebalance(c *gin.Context) {
	n, err := h.fleet.Rebalance(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, n)
}
