package handlers

import (
	"context"

	"github.com/labstack/echo/v4"

	pkgcontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/orchestrator"
)

// SyncService runs contract synchronization for a user.
type SyncService interface {
	SyncOut(ctx context.Context, contractID, userID string, t models.IntegrationType) (*models.Contract, error)
	SyncIn(ctx context.Context, externalID, userID string, t models.IntegrationType) (*orchestrator.SyncInResult, error)
	BulkSyncOut(ctx context.Context, contractIDs []string, userID string, t models.IntegrationType) (*orchestrator.BulkResult, error)
	TestConnection(ctx context.Context, userID string, t models.IntegrationType) (*orchestrator.ConnectionResult, error)
}

type SyncHandler struct {
	sync SyncService
}

func NewSyncHandler(sync SyncService) *SyncHandler {
	return &SyncHandler{sync: sync}
}

type BulkSyncRequest struct {
	ContractIDs []string `json:"contractIds" validate:"required,min=1,max=500,dive,required"`
}

// BulkSyncResponse reports a batch that may have stopped early. Error is set
// when a credential failure ended the batch.
type BulkSyncResponse struct {
	*orchestrator.BulkResult
	Error string `json:"error,omitempty"`
}

func (h *SyncHandler) RegisterRoutes(private *echo.Group) {
	integrations := private.Group("/integrations")
	integrations.POST("/:type/test", h.TestConnection)
	integrations.POST("/:type/contracts/:id/sync", h.SyncOut)
	integrations.POST("/:type/records/:externalId/sync", h.SyncIn)
	integrations.POST("/:type/bulk-sync", h.BulkSyncOut)
}

// TestConnection handles POST /integrations/:type/test
func (h *SyncHandler) TestConnection(c echo.Context) error {
	userID, t, err := userAndType(c)
	if err != nil {
		return err
	}
	result, err := h.sync.TestConnection(c.Request().Context(), userID, t)
	if err != nil {
		return err
	}
	return SuccessResponse(c, result)
}

// SyncOut handles POST /integrations/:type/contracts/:id/sync
func (h *SyncHandler) SyncOut(c echo.Context) error {
	userID, t, err := userAndType(c)
	if err != nil {
		return err
	}
	contractID := c.Param("id")
	if contractID == "" {
		return BadRequest("contract id is required")
	}
	ctx := pkgcontext.SetContractID(c.Request().Context(), contractID)
	contract, err := h.sync.SyncOut(ctx, contractID, userID, t)
	if err != nil {
		return err
	}
	return SuccessResponse(c, contract)
}

// SyncIn handles POST /integrations/:type/records/:externalId/sync
func (h *SyncHandler) SyncIn(c echo.Context) error {
	userID, t, err := userAndType(c)
	if err != nil {
		return err
	}
	externalID := c.Param("externalId")
	if externalID == "" {
		return BadRequest("external id is required")
	}
	result, err := h.sync.SyncIn(c.Request().Context(), externalID, userID, t)
	if err != nil {
		return err
	}
	if result.Created {
		return CreatedResponse(c, result)
	}
	return SuccessResponse(c, result)
}

// BulkSyncOut handles POST /integrations/:type/bulk-sync
func (h *SyncHandler) BulkSyncOut(c echo.Context) error {
	userID, t, err := userAndType(c)
	if err != nil {
		return err
	}
	var req BulkSyncRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	result, err := h.sync.BulkSyncOut(c.Request().Context(), req.ContractIDs, userID, t)
	if err != nil {
		if result == nil {
			return err
		}
		return SuccessResponse(c, BulkSyncResponse{BulkResult: result, Error: err.Error()})
	}
	return SuccessResponse(c, BulkSyncResponse{BulkResult: result})
}
