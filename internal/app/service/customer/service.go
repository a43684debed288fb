// Package customer is the account authority's customer directory. Every change
// is announced on the customers topic so billing can keep its replica.
package customer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/internal/app/service/outbox"
	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/logctx"
	"github.com/fatflowers/tokenbill/pkg/tool"
	"github.com/fatflowers/tokenbill/pkg/types"
)

type Service struct {
	store store.AccountStore
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewService(st store.AccountStore, log *zap.SugaredLogger) *Service {
	return &Service{store: st, log: log, now: time.Now}
}

type CreateRequest struct {
	// ID is optional; a UUIDv7 is generated when empty.
	ID           string             `json:"id"`
	Name         string             `json:"name" binding:"required"`
	Email        string             `json:"email" binding:"required,email"`
	CustomerType types.CustomerType `json:"customer_type"`
	CreatedBy    string             `json:"-"`
}

type UpdateRequest struct {
	Name             *string               `json:"name"`
	Email            *string               `json:"email" binding:"omitempty,email"`
	CustomerType     *types.CustomerType   `json:"customer_type"`
	Status           *types.CustomerStatus `json:"status"`
	ExpectedRevision *int64                `json:"expected_revision"`
	UpdatedBy        string                `json:"-"`
}

// validate checks the same binding tags gin applies to request bodies, so
// callers outside the HTTP layer get identical rules.
var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	return v
}()

func invalidRequest(err error) error {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return apperr.BadRequest("%v", err)
	}
	f := fields[0]
	name := strings.ToLower(f.Field())
	if f.Tag() == "required" {
		return apperr.BadRequest("customer %s is required", name)
	}
	return apperr.BadRequest("invalid %s %q", name, f.Value())
}

func (s *Service) CreateCustomer(ctx context.Context, req CreateRequest) (*models.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if err := validate.Struct(req); err != nil {
		return nil, invalidRequest(err)
	}
	if !req.CustomerType.Valid() {
		return nil, apperr.BadRequest("invalid customer type %q", req.CustomerType)
	}
	c := &models.Customer{
		ID:           req.ID,
		Name:         req.Name,
		Email:        req.Email,
		CustomerType: req.CustomerType,
		Status:       types.CustomerStatusActive,
		CreatedBy:    req.CreatedBy,
		UpdatedBy:    req.CreatedBy,
		Revision:     1,
	}
	if c.ID == "" {
		c.ID = tool.GenerateUUIDV7()
	}
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.AccountTx) error {
		if _, err := tx.FindCustomerByEmail(ctx, c.Email); err == nil {
			return apperr.Conflict("customer with email %s already exists", c.Email)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.CreateCustomer(ctx, c); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict("customer %s already exists", c.ID)
			}
			return fmt.Errorf("failed to create customer: %w", err)
		}
		return s.emit(ctx, tx, c, events.EventCreated, req.CreatedBy)
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("customer created", "customer_id", c.ID, "type", c.CustomerType)
	return c, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	var out *models.Customer
	err := s.store.View(ctx, func(ctx context.Context, tx store.AccountTx) error {
		c, err := tx.GetCustomer(ctx, id, false)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("customer %s", id)
		}
		out = c
		return err
	})
	return out, err
}

func (s *Service) UpdateCustomer(ctx context.Context, id string, req UpdateRequest) (*models.Customer, error) {
	var out *models.Customer
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.AccountTx) error {
		c, err := tx.GetCustomer(ctx, id, true)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("customer %s", id)
		} else if err != nil {
			return err
		}
		if req.ExpectedRevision != nil && *req.ExpectedRevision != c.Revision {
			return apperr.Conflict("customer %s is at revision %d, expected %d", id, c.Revision, *req.ExpectedRevision)
		}
		if req.Name != nil {
			if strings.TrimSpace(*req.Name) == "" {
				return apperr.BadRequest("customer name is required")
			}
			c.Name = strings.TrimSpace(*req.Name)
		}
		if req.Email != nil {
			email := strings.TrimSpace(*req.Email)
			if err := validate.Var(email, "required,email"); err != nil {
				return apperr.BadRequest("invalid email %q", email)
			}
			c.Email = email
		}
		if req.CustomerType != nil {
			if !req.CustomerType.Valid() {
				return apperr.BadRequest("invalid customer type %q", *req.CustomerType)
			}
			c.CustomerType = *req.CustomerType
		}
		if req.Status != nil {
			if *req.Status != types.CustomerStatusActive && *req.Status != types.CustomerStatusSuspended {
				return apperr.BadRequest("invalid customer status %q", *req.Status)
			}
			c.Status = *req.Status
		}
		prev := c.Revision
		c.Revision++
		c.UpdatedBy = req.UpdatedBy
		if err := tx.UpdateCustomer(ctx, c, prev); err != nil {
			switch {
			case errors.Is(err, store.ErrRevisionConflict):
				return apperr.Conflict("customer %s was modified concurrently", id)
			case errors.Is(err, store.ErrDuplicate):
				return apperr.Conflict("customer with email %s already exists", c.Email)
			}
			return fmt.Errorf("failed to update customer: %w", err)
		}
		out = c
		return s.emit(ctx, tx, c, events.EventUpdated, req.UpdatedBy)
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("customer updated", "customer_id", id, "revision", out.Revision)
	return out, nil
}

func (s *Service) emit(ctx context.Context, tx store.AccountTx, c *models.Customer, et events.EventType, actor string) error {
	at := s.now().UTC()
	_, err := outbox.Enqueue(ctx, tx, events.Meta{
		Topic:       events.TopicCustomers,
		EntityType:  events.EntityCustomer,
		EntityID:    c.ID,
		Version:     c.Revision,
		EventType:   et,
		TriggeredBy: actor,
		Source:      events.SourceAccount,
	}, events.CustomerEvent{
		CustomerID:   c.ID,
		Name:         c.Name,
		Email:        c.Email,
		CustomerType: c.CustomerType,
		Status:       c.Status,
		Timestamp:    at,
	}, at)
	return err
}
