package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	tokensvc "github.com/fatflowers/tokenbill/internal/app/service/token"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/pkg/types"
)

type CustomerRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
}

type PurchaseTokensRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	PackageID  string `json:"package_id" binding:"required"`
}

// TokenAmountRequest serves allocate, consume, refund and adjust. Feature
// only applies to consume; only adjust accepts a negative amount.
type TokenAmountRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	Amount     int64  `json:"amount" binding:"required"`
	Reason     string `json:"reason"`
	Feature    string `json:"feature"`
}

type TokenHistoryRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
}

// @Summary      Token Balance
// @Tags         Tokens
// @Accept       json
// @Produce      json
// @Param        request body handlers.CustomerRequest true "Customer"
// @Success      200  {object}  handlers.RespTokenBalance
// @Router       /api/v1/tokens/get_balance [post]
func ApiGetTokenBalance(svc *tokensvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CustomerRequest
		if !bindJSON(c, &req) {
			return
		}
		bal, err := svc.GetTokenBalance(c.Request.Context(), req.CustomerID)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, bal)
	}
}

// @Summary      Purchase Tokens
// @Description  Credits a configured token package and announces it to billing.
// @Tags         Tokens
// @Accept       json
// @Produce      json
// @Param        request body handlers.PurchaseTokensRequest true "Package purchase"
// @Success      200  {object}  handlers.RespTokenResult
// @Router       /api/v1/tokens/purchase_tokens [post]
func ApiPurchaseTokens(svc *tokensvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PurchaseTokensRequest
		if !bindJSON(c, &req) {
			return
		}
		res, err := svc.PurchaseTokens(c.Request.Context(), req.CustomerID, req.PackageID, actorOf(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, res)
	}
}

type amountOp func(ctx context.Context, req *TokenAmountRequest, actor string) (*tokensvc.Result, error)

// apiTokenAmount binds a TokenAmountRequest and hands it to op.
func apiTokenAmount(op amountOp, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TokenAmountRequest
		if !bindJSON(c, &req) {
			return
		}
		res, err := op(c.Request.Context(), &req, actorOf(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, res)
	}
}

func ApiAllocateTokens(svc *tokensvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return apiTokenAmount(func(ctx context.Context, req *TokenAmountRequest, actor string) (*tokensvc.Result, error) {
		return svc.AllocateTokens(ctx, req.CustomerID, req.Amount, actor, req.Reason)
	}, log)
}

// @Summary      Consume Tokens
// @Description  Debits tokens for a feature. Fails with an insufficient resource code when the balance is short.
// @Tags         Tokens
// @Accept       json
// @Produce      json
// @Param        request body handlers.TokenAmountRequest true "Amount and feature"
// @Success      200  {object}  handlers.RespTokenResult
// @Router       /api/v1/tokens/consume_tokens [post]
func ApiConsumeTokens(svc *tokensvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return apiTokenAmount(func(ctx context.Context, req *TokenAmountRequest, actor string) (*tokensvc.Result, error) {
		return svc.ConsumeTokens(ctx, req.CustomerID, req.Amount, req.Feature, actor)
	}, log)
}

func ApiRefundTokens(svc *tokensvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return apiTokenAmount(func(ctx context.Context, req *TokenAmountRequest, actor string) (*tokensvc.Result, error) {
		return svc.RefundTokens(ctx, req.CustomerID, req.Amount, actor, req.Reason)
	}, log)
}

func ApiAdjustTokens(svc *tokensvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return apiTokenAmount(func(ctx context.Context, req *TokenAmountRequest, actor string) (*tokensvc.Result, error) {
		return svc.AdjustTokens(ctx, req.CustomerID, req.Amount, actor, req.Reason)
	}, log)
}

func ApiTokenTransactionHistory(svc *tokensvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TokenHistoryRequest
		if !bindJSON(c, &req) {
			return
		}
		items, total, err := svc.GetTokenTransactionHistory(c.Request.Context(), req.CustomerID, req.Offset, req.Limit)
		if err != nil {
			writeError(c, log, err)
			return
		}
		writeOK(c, &ListResponse[*models.TokenTransaction]{Items: items, Total: total})
	}
}

func ApiListTokenPackages(packages []*types.TokenPackage) gin.HandlerFunc {
	return func(c *gin.Context) {
		writeOK(c, packages)
	}
}

func RegisterTokenRoutes(r gin.IRouter, svc *tokensvc.Service, packages []*types.TokenPackage, log *zap.SugaredLogger) {
	r.POST("/get_balance", ApiGetTokenBalance(svc, log))
	r.POST("/purchase_tokens", ApiPurchaseTokens(svc, log))
	r.POST("/allocate_tokens", ApiAllocateTokens(svc, log))
	r.POST("/consume_tokens", ApiConsumeTokens(svc, log))
	r.POST("/refund_tokens", ApiRefundTokens(svc, log))
	r.POST("/adjust_tokens", ApiAdjustTokens(svc, log))
	r.POST("/list_transactions", ApiTokenTransactionHistory(svc, log))
	r.GET("/packages", ApiListTokenPackages(packages))
}
