package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/pkg/logctx"
	"github.com/fatflowers/tokenbill/pkg/response"
)

// anonymousActor is recorded as triggeredBy when the caller is unknown.
const anonymousActor = "anonymous"

type IDRequest struct {
	ID string `json:"id" binding:"required"`
}

type ListResponse[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
}

// bindJSON writes a bad request envelope and returns false when the body does not bind.
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
		return false
	}
	return true
}

func writeOK[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, response.OKT(data))
}

// writeError maps err to its envelope code. Unexpected errors are logged; domain rejections are not.
func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	code := response.CodeOf(err)
	if code == response.APIResponseCodeError {
		logctx.FromGin(c, log).Errorw("request failed", "path", c.FullPath(), "err", err)
	}
	_ = c.Error(err)
	c.JSON(http.StatusOK, response.FromError(err))
}

func actorOf(c *gin.Context) string {
	if a := logctx.Actor(c.Request.Context()); a != "" {
		return a
	}
	return anonymousActor
}
