package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	customersvc "github.com/fatflowers/tokenbill/internal/app/service/customer"
)

type UpdateCustomerRequest struct {
	ID string `json:"id" binding:"required"`
	customersvc.UpdateRequest
}

// @Summary      Create Customer
// @Tags         Customers
// @Accept       json
// @Produce      json
// @Param        request body customer.CreateRequest true "Customer"
// @Success      200  {object}  handlers.RespCustomer
// @Router       /api/v1/customers/create_customer [post]
func ApiCreateCustomer(svc *customersvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req customersvc.CreateRequest
		if !bindJSON(c, &req) {
			return
		}
		req.CreatedBy = actorOf(c)
		cust, err := svc.CreateCustomer(c.Request.Context(), req)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, cust)
	}
}

func ApiGetCustomer(svc *customersvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IDRequest
		if !bindJSON(c, &req) {
			return
		}
		cust, err := svc.GetCustomer(c.Request.Context(), req.ID)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, cust)
	}
}

func ApiUpdateCustomer(svc *customersvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateCustomerRequest
		if !bindJSON(c, &req) {
			return
		}
		req.UpdatedBy = actorOf(c)
		cust, err := svc.UpdateCustomer(c.Request.Context(), req.ID, req.UpdateRequest)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, cust)
	}
}

func RegisterCustomerRoutes(r gin.IRouter, svc *customersvc.Service, log *zap.SugaredLogger) {
	r.POST("/create_customer", ApiCreateCustomer(svc, log))
	r.POST("/get_customer", ApiGetCustomer(svc, log))
	r.POST("/update_customer", ApiUpdateCustomer(svc, log))
}
