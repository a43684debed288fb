package handlers

import (
	"github.com/fatflowers/tokenbill/internal/app/service/statistics"
	"github.com/fatflowers/tokenbill/internal/app/service/token"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/pkg/response"
	"github.com/fatflowers/tokenbill/pkg/types"
)

// RespOK is a generic OK envelope for endpoints returning no specific data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

type RespHealth struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    map[string]interface{}   `json:"data"`
}

type RespPlan struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Plan              `json:"data"`
}

type RespPlanList struct {
	Code    response.APIResponseCode   `json:"code"`
	Message string                     `json:"message"`
	Data    ListResponse[*models.Plan] `json:"data"`
}

type RespPlanAnalytics struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    types.PlanAnalytics      `json:"data"`
}

type RespSubscription struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Subscription      `json:"data"`
}

type RespInvoice struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Invoice           `json:"data"`
}

type RespRecordPayment struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    RecordPaymentResponse    `json:"data"`
}

type RespCustomer struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Customer          `json:"data"`
}

type RespTokenBalance struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.TokenBalance      `json:"data"`
}

type RespTokenResult struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    token.Result             `json:"data"`
}

// RespOutboxStats wraps per-authority outbox counters.
type RespOutboxStats struct {
	Code    response.APIResponseCode      `json:"code"`
	Message string                        `json:"message"`
	Data    map[string]models.OutboxStats `json:"data"`
}

type RespDeadLetterList struct {
	Code    response.APIResponseCode         `json:"code"`
	Message string                           `json:"message"`
	Data    ListResponse[*models.DeadLetter] `json:"data"`
}

type RespDeadLetter struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.DeadLetter        `json:"data"`
}

type RespRebuild struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    token.RebuildResult      `json:"data"`
}

// RespStatistics wraps statistics.Response in the standard envelope.
type RespStatistics struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    statistics.Response      `json:"data"`
}
