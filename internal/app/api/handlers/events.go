package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/platform/broker"
	"github.com/fatflowers/tokenbill/pkg/logctx"
	"github.com/fatflowers/tokenbill/pkg/response"
)

const maxEventBody = 1 << 20

// ApiIngestEvent is the peer-facing end of the HTTP broker. Unlike the public
// API it answers with real status codes: the publisher treats any 2xx as an
// acknowledgement and anything else as a reason to retry.
func ApiIngestEvent(router *broker.Router, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		env, err := events.Parse(body)
		if err != nil {
			logctx.FromGin(c, log).Warnw("rejected inbound event", "event_id", c.GetHeader("X-Event-ID"), "err", err)
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if err := router.Dispatch(ctx, env); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, broker.ErrNoHandler) {
				status = http.StatusNotFound
			}
			logctx.FromGin(c, log).Errorw("inbound event not applied", "event_id", env.ID, "topic", env.Topic, "err", err)
			c.JSON(status, response.ErrorT[any](response.CodeOf(err), err.Error()))
			return
		}
		c.JSON(http.StatusAccepted, response.OKT(map[string]string{"id": env.ID}))
	}
}

func RegisterEventRoutes(r gin.IRouter, router *broker.Router, log *zap.SugaredLogger) {
	r.POST(broker.EventsPath, ApiIngestEvent(router, log))
}
