package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	plansvc "github.com/fatflowers/tokenbill/internal/app/service/plan"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/types"
)

type UpdatePlanRequest struct {
	ID string `json:"id" binding:"required"`
	plansvc.PlanUpdate
}

type ArchivePlanRequest struct {
	ID string `json:"id" binding:"required"`
	plansvc.ArchiveRequest
}

type DuplicatePlanRequest struct {
	ID   string `json:"id" binding:"required"`
	Name string `json:"name" binding:"required"`
}

type ListPlansRequest struct {
	Status         types.PlanStatus   `json:"status"`
	CustomerType   types.CustomerType `json:"customer_type"`
	LineageID      string             `json:"lineage_id"`
	IncludeDeleted bool               `json:"include_deleted"`
	Offset         int                `json:"offset"`
	Limit          int                `json:"limit"`
}

// @Summary      Create Plan
// @Description  Creates a DRAFT plan at version 1 of a new lineage.
// @Tags         Plans
// @Accept       json
// @Produce      json
// @Param        request body plan.CreateRequest true "Plan definition"
// @Success      200  {object}  handlers.RespPlan
// @Router       /api/v1/plans/create_plan [post]
func ApiCreatePlan(svc *plansvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req plansvc.CreateRequest
		if !bindJSON(c, &req) {
			return
		}
		req.CreatedBy = actorOf(c)
		p, err := svc.CreatePlan(c.Request.Context(), req)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, p)
	}
}

// @Summary      Update Plan
// @Description  Edits a DRAFT in place. A DEPLOYED or ARCHIVED plan is never mutated; a new DRAFT version is created instead.
// @Tags         Plans
// @Accept       json
// @Produce      json
// @Param        request body handlers.UpdatePlanRequest true "Fields to change"
// @Success      200  {object}  handlers.RespPlan
// @Router       /api/v1/plans/update_plan [post]
func ApiUpdatePlan(svc *plansvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdatePlanRequest
		if !bindJSON(c, &req) {
			return
		}
		req.UpdatedBy = actorOf(c)
		p, err := svc.UpdatePlan(c.Request.Context(), req.ID, req.PlanUpdate)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, p)
	}
}

// @Summary      Deploy Plan
// @Tags         Plans
// @Accept       json
// @Produce      json
// @Param        request body handlers.IDRequest true "Plan id"
// @Success      200  {object}  handlers.RespPlan
// @Router       /api/v1/plans/deploy_plan [post]
func ApiDeployPlan(svc *plansvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IDRequest
		if !bindJSON(c, &req) {
			return
		}
		p, err := svc.DeployPlan(c.Request.Context(), req.ID, actorOf(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, p)
	}
}

// @Summary      Archive Plan
// @Description  Archives a DEPLOYED plan. A replacement is required while active subscriptions remain.
// @Tags         Plans
// @Accept       json
// @Produce      json
// @Param        request body handlers.ArchivePlanRequest true "Archive request"
// @Success      200  {object}  handlers.RespPlan
// @Router       /api/v1/plans/archive_plan [post]
func ApiArchivePlan(svc *plansvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ArchivePlanRequest
		if !bindJSON(c, &req) {
			return
		}
		req.ArchivedBy = actorOf(c)
		p, err := svc.ArchivePlan(c.Request.Context(), req.ID, req.ArchiveRequest)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, p)
	}
}

func ApiDeletePlan(svc *plansvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IDRequest
		if !bindJSON(c, &req) {
			return
		}
		p, err := svc.DeletePlan(c.Request.Context(), req.ID, actorOf(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, p)
	}
}

func ApiDuplicatePlan(svc *plansvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DuplicatePlanRequest
		if !bindJSON(c, &req) {
			return
		}
		p, err := svc.DuplicatePlan(c.Request.Context(), req.ID, req.Name, actorOf(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, p)
	}
}

func ApiGetPlan(svc *plansvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IDRequest
		if !bindJSON(c, &req) {
			return
		}
		p, err := svc.GetPlan(c.Request.Context(), req.ID)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, p)
	}
}

// @Summary      List Plans
// @Tags         Plans
// @Accept       json
// @Produce      json
// @Param        request body handlers.ListPlansRequest true "Filters and paging"
// @Success      200  {object}  handlers.RespPlanList
// @Router       /api/v1/plans/list_plans [post]
func ApiListPlans(svc *plansvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListPlansRequest
		if !bindJSON(c, &req) {
			return
		}
		items, total, err := svc.ListPlans(c.Request.Context(), store.PlanFilter{
			Status:         req.Status,
			CustomerType:   req.CustomerType,
			LineageID:      req.LineageID,
			IncludeDeleted: req.IncludeDeleted,
			Offset:         req.Offset,
			Limit:          req.Limit,
		})
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, &ListResponse[*models.Plan]{Items: items, Total: total})
	}
}

func ApiGetPlanLineage(svc *plansvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IDRequest
		if !bindJSON(c, &req) {
			return
		}
		items, err := svc.GetPlanLineage(c.Request.Context(), req.ID)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, items)
	}
}

// @Summary      Plan Analytics
// @Description  Recomputes subscription counts and included tokens for a plan.
// @Tags         Plans
// @Accept       json
// @Produce      json
// @Param        request body handlers.IDRequest true "Plan id"
// @Success      200  {object}  handlers.RespPlanAnalytics
// @Router       /api/v1/plans/get_plan_analytics [post]
func ApiGetPlanAnalytics(svc *plansvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IDRequest
		if !bindJSON(c, &req) {
			return
		}
		a, err := svc.GetPlanAnalytics(c.Request.Context(), req.ID)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, a)
	}
}

func RegisterPlanRoutes(r gin.IRouter, svc *plansvc.Service, log *zap.SugaredLogger) {
	r.POST("/create_plan", ApiCreatePlan(svc, log))
	r.POST("/update_plan", ApiUpdatePlan(svc, log))
	r.POST("/deploy_plan", ApiDeployPlan(svc, log))
	r.POST("/archive_plan", ApiArchivePlan(svc, log))
	r.POST("/delete_plan", ApiDeletePlan(svc, log))
	r.POST("/duplicate_plan", ApiDuplicatePlan(svc, log))
	r.POST("/get_plan", ApiGetPlan(svc, log))
	r.POST("/list_plans", ApiListPlans(svc, log))
	r.POST("/get_plan_lineage", ApiGetPlanLineage(svc, log))
	r.POST("/get_plan_analytics", ApiGetPlanAnalytics(svc, log))
}
