package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	subsvc "github.com/fatflowers/tokenbill/internal/app/service/subscription"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/types"
)

type CreateSubscriptionRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	PlanID     string `json:"plan_id" binding:"required"`
}

type UpdateSubscriptionRequest struct {
	ID string `json:"id" binding:"required"`
	subsvc.SubscriptionUpdate
}

type CancelSubscriptionRequest struct {
	ID     string `json:"id" binding:"required"`
	Reason string `json:"reason"`
}

type ListSubscriptionsRequest struct {
	CustomerID string                   `json:"customer_id"`
	PlanID     string                   `json:"plan_id"`
	Status     types.SubscriptionStatus `json:"status"`
	Offset     int                      `json:"offset"`
	Limit      int                      `json:"limit"`
}

// @Summary      Create Subscription
// @Description  Subscribes a known, non-suspended customer to a DEPLOYED plan. At most one ACTIVE subscription per (customer, plan).
// @Tags         Subscriptions
// @Accept       json
// @Produce      json
// @Param        request body handlers.CreateSubscriptionRequest true "Customer and plan"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /api/v1/subscriptions/create_subscription [post]
func ApiCreateSubscription(svc *subsvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateSubscriptionRequest
		if !bindJSON(c, &req) {
			return
		}
		sub, err := svc.CreateSubscription(c.Request.Context(), req.CustomerID, req.PlanID, actorOf(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, sub)
	}
}

// @Summary      Update Subscription
// @Description  Changes plan, status or end date. Use cancel_subscription to cancel.
// @Tags         Subscriptions
// @Accept       json
// @Produce      json
// @Param        request body handlers.UpdateSubscriptionRequest true "Fields to change"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /api/v1/subscriptions/update_subscription [post]
func ApiUpdateSubscription(svc *subsvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateSubscriptionRequest
		if !bindJSON(c, &req) {
			return
		}
		req.UpdatedBy = actorOf(c)
		sub, err := svc.UpdateSubscription(c.Request.Context(), req.ID, req.SubscriptionUpdate)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, sub)
	}
}

func ApiCancelSubscription(svc *subsvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CancelSubscriptionRequest
		if !bindJSON(c, &req) {
			return
		}
		sub, err := svc.CancelSubscription(c.Request.Context(), req.ID, req.Reason, actorOf(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, sub)
	}
}

func ApiGetSubscription(svc *subsvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IDRequest
		if !bindJSON(c, &req) {
			return
		}
		sub, err := svc.GetSubscription(c.Request.Context(), req.ID)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, sub)
	}
}

func ApiListSubscriptions(svc *subsvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListSubscriptionsRequest
		if !bindJSON(c, &req) {
			return
		}
		items, total, err := svc.ListSubscriptions(c.Request.Context(), store.SubscriptionFilter{
			CustomerID: req.CustomerID,
			PlanID:     req.PlanID,
			Status:     req.Status,
			Offset:     req.Offset,
			Limit:      req.Limit,
		})
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, &ListResponse[*models.Subscription]{Items: items, Total: total})
	}
}

func RegisterSubscriptionRoutes(r gin.IRouter, svc *subsvc.Service, log *zap.SugaredLogger) {
	r.POST("/create_subscription", ApiCreateSubscription(svc, log))
	r.POST("/update_subscription", ApiUpdateSubscription(svc, log))
	r.POST("/cancel_subscription", ApiCancelSubscription(svc, log))
	r.POST("/get_subscription", ApiGetSubscription(svc, log))
	r.POST("/list_subscriptions", ApiListSubscriptions(svc, log))
}
