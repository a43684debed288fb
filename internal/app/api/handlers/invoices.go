package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	invoicesvc "github.com/fatflowers/tokenbill/internal/app/service/invoice"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/pkg/types"
)

type ChangeInvoiceStatusRequest struct {
	ID     string              `json:"id" binding:"required"`
	Status types.InvoiceStatus `json:"status" binding:"required"`
	Reason string              `json:"reason"`
}

type RecordPaymentRequest struct {
	InvoiceID string `json:"invoice_id" binding:"required"`
	invoicesvc.PaymentRequest
}

type RecordPaymentResponse struct {
	Payment *models.Payment `json:"payment"`
	Invoice *models.Invoice `json:"invoice"`
}

// @Summary      Create Invoice
// @Tags         Invoices
// @Accept       json
// @Produce      json
// @Param        request body invoice.CreateRequest true "Invoice"
// @Success      200  {object}  handlers.RespInvoice
// @Router       /api/v1/invoices/create_invoice [post]
func ApiCreateInvoice(svc *invoicesvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req invoicesvc.CreateRequest
		if !bindJSON(c, &req) {
			return
		}
		req.CreatedBy = actorOf(c)
		inv, err := svc.CreateInvoice(c.Request.Context(), req)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, inv)
	}
}

func ApiGetInvoice(svc *invoicesvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IDRequest
		if !bindJSON(c, &req) {
			return
		}
		inv, err := svc.GetInvoice(c.Request.Context(), req.ID)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, inv)
	}
}

func ApiChangeInvoiceStatus(svc *invoicesvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ChangeInvoiceStatusRequest
		if !bindJSON(c, &req) {
			return
		}
		inv, err := svc.ChangeInvoiceStatus(c.Request.Context(), req.ID, req.Status, actorOf(c), req.Reason)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, inv)
	}
}

// @Summary      Record Payment
// @Description  Records a payment against an OPEN or UNCOLLECTIBLE invoice; full payment moves it to PAID.
// @Tags         Invoices
// @Accept       json
// @Produce      json
// @Param        request body handlers.RecordPaymentRequest true "Payment"
// @Success      200  {object}  handlers.RespRecordPayment
// @Router       /api/v1/invoices/record_payment [post]
func ApiRecordPayment(svc *invoicesvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RecordPaymentRequest
		if !bindJSON(c, &req) {
			return
		}
		req.RecordedBy = actorOf(c)
		p, inv, err := svc.RecordPayment(c.Request.Context(), req.InvoiceID, req.PaymentRequest)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, &RecordPaymentResponse{Payment: p, Invoice: inv})
	}
}

func RegisterInvoiceRoutes(r gin.IRouter, svc *invoicesvc.Service, log *zap.SugaredLogger) {
	r.POST("/create_invoice", ApiCreateInvoice(svc, log))
	r.POST("/get_invoice", ApiGetInvoice(svc, log))
	r.POST("/change_invoice_status", ApiChangeInvoiceStatus(svc, log))
	r.POST("/record_payment", ApiRecordPayment(svc, log))
}
