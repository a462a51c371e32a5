package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dfryer1193/flowbeacon/api"
	mjolnirUtils "github.com/dfryer1193/mjolnir/utils"
)

type MigrationStatusManager interface {
	GetStatus(ctx context.Context) (*api.MigrationStatusList, error)
}

type MigrationHandler struct {
	migrationsMgr MigrationStatusManager
}

func NewMigrationHandler(mgr MigrationStatusManager) *MigrationHandler {
	return &MigrationHandler{migrationsMgr: mgr}
}

func (h *MigrationHandler) GetStatus(w http.ResponseWriter, r *http.Request) *mjolnirUtils.ApiError {
	status, err := h.migrationsMgr.GetStatus(r.Context())
	if err != nil {
		return mjolnirUtils.InternalServerErr(fmt.Errorf("error fetching migration status: %w", err))
	}

	mjolnirUtils.RespondJSON(w, r, http.StatusOK, status)
	return nil
}
