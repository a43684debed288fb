package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/tokenbill/pkg/response"
)

// @Summary      Health check
// @Description  Returns service status and the authorities this process runs
// @Tags         System
// @Produce      json
// @Success      200  {object}  handlers.RespHealth
// @Router       /healthz [get]
func Healthz(authorities []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, response.OKT(map[string]any{"status": "ok", "authorities": authorities}))
	}
}

func RegisterHealthRoutes(r gin.IRouter, authorities []string) {
	r.GET("/healthz", Healthz(authorities))
}
