package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/app/service/outbox"
	"github.com/fatflowers/tokenbill/internal/app/service/reconciler"
	"github.com/fatflowers/tokenbill/internal/app/service/statistics"
	tokensvc "github.com/fatflowers/tokenbill/internal/app/service/token"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
)

type AuthorityRequest struct {
	// Authority is billing or account; empty means every authority in this process.
	Authority string `json:"authority"`
}

type ListDeadLettersRequest struct {
	Authority string                  `json:"authority" binding:"required"`
	Status    models.DeadLetterStatus `json:"status"`
	Offset    int                     `json:"offset"`
	Limit     int                     `json:"limit"`
}

type DeadLetterRequest struct {
	Authority string `json:"authority" binding:"required"`
	ID        string `json:"id" binding:"required"`
}

// Admin bundles the operational services. Any of them may be nil when the
// process does not run the authority that owns it.
type Admin struct {
	Outbox     *outbox.Dispatchers
	Reconciler *reconciler.Service
	Ledger     *tokensvc.Service
	Statistics *statistics.Service
	Log        *zap.SugaredLogger
}

// @Summary      Outbox Stats (Admin)
// @Description  Pending, dispatched and dead outbox rows per authority.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body handlers.AuthorityRequest true "Authority filter"
// @Success      200  {object}  handlers.RespOutboxStats
// @Router       /api/v1/admin/get_outbox_stats [post]
func ApiGetOutboxStats(d *outbox.Dispatchers, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AuthorityRequest
		if !bindJSON(c, &req) {
			return
		}
		stats, err := d.Stats(c.Request.Context(), req.Authority)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, stats)
	}
}

// @Summary      List Dead Letters (Admin)
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body handlers.ListDeadLettersRequest true "Authority, status and paging"
// @Success      200  {object}  handlers.RespDeadLetterList
// @Router       /api/v1/admin/list_dead_letters [post]
func ApiListDeadLetters(rec *reconciler.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListDeadLettersRequest
		if !bindJSON(c, &req) {
			return
		}
		consumer, err := rec.Consumer(req.Authority)
		if err != nil {
			writeError(c, log, err)
			return
		}
		items, total, err := consumer.ListDeadLetters(c.Request.Context(), store.DeadLetterFilter{Status: req.Status, Offset: req.Offset, Limit: req.Limit})
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, &ListResponse[*models.DeadLetter]{Items: items, Total: total})
	}
}

// @Summary      Requeue Dead Letter (Admin)
// @Description  Replays a dead-lettered event through its consumer.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body handlers.DeadLetterRequest true "Dead letter"
// @Success      200  {object}  handlers.RespDeadLetter
// @Router       /api/v1/admin/requeue_dead_letter [post]
func ApiRequeueDeadLetter(rec *reconciler.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DeadLetterRequest
		if !bindJSON(c, &req) {
			return
		}
		consumer, err := rec.Consumer(req.Authority)
		if err != nil {
			writeError(c, log, err)
			return
		}
		d, err := consumer.Requeue(c.Request.Context(), req.ID)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, d)
	}
}

func ApiResolveDeadLetter(rec *reconciler.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DeadLetterRequest
		if !bindJSON(c, &req) {
			return
		}
		consumer, err := rec.Consumer(req.Authority)
		if err != nil {
			writeError(c, log, err)
			return
		}
		if err := consumer.Resolve(c.Request.Context(), req.ID); err != nil {
			writeError(c, log, err)
			return
		}
		writeOK[any](c, nil)
	}
}

// @Summary      Rebuild Ledger (Admin)
// @Description  Folds a customer's token ledger and repairs the stored balance if it drifted.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body handlers.CustomerRequest true "Customer"
// @Success      200  {object}  handlers.RespRebuild
// @Router       /api/v1/admin/rebuild_ledger [post]
func ApiRebuildLedger(ledger *tokensvc.Service, repair bool, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CustomerRequest
		if !bindJSON(c, &req) {
			return
		}
		run := ledger.VerifyBalance
		if repair {
			run = ledger.RebuildBalance
		}
		res, err := run(c.Request.Context(), req.CustomerID)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, res)
	}
}

// @Summary      Get Statistics (Admin)
// @Description  Financial summary series; items run concurrently.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body statistics.Request true "Statistic request parameters"
// @Success      200  {object}  handlers.RespStatistics
// @Router       /api/v1/admin/get_statistics [post]
func ApiGetStatistics(svc *statistics.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statistics.Request
		if !bindJSON(c, &req) {
			return
		}
		res, err := svc.GetStatistics(c.Request.Context(), &req)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, res)
	}
}

func RegisterAdminRoutes(r gin.IRouter, a *Admin) {
	if a.Outbox != nil {
		r.POST("/get_outbox_stats", ApiGetOutboxStats(a.Outbox, a.Log))
	}
	if a.Reconciler != nil {
		r.POST("/list_dead_letters", ApiListDeadLetters(a.Reconciler, a.Log))
		r.POST("/requeue_dead_letter", ApiRequeueDeadLetter(a.Reconciler, a.Log))
		r.POST("/resolve_dead_letter", ApiResolveDeadLetter(a.Reconciler, a.Log))
	}
	if a.Ledger != nil {
		r.POST("/rebuild_ledger", ApiRebuildLedger(a.Ledger, true, a.Log))
		r.POST("/verify_ledger", ApiRebuildLedger(a.Ledger, false, a.Log))
	}
	if a.Statistics != nil {
		r.POST("/get_statistics", ApiGetStatistics(a.Statistics, a.Log))
	}
}
