package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	requestmodels "github.com/theblitlabs/parity-fl/internal/api/models"
	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/internal/core/ports"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

type UpdateHandler struct {
	coordinator ports.UpdateSubmitter
}

func NewUpdateHandler(coordinator ports.UpdateSubmitter) *UpdateHandler {
	return &UpdateHandler{
		coordinator: coordinator,
	}
}

func (h *UpdateHandler) SubmitUpdate(c *gin.Context) {
	log := logger.WithComponent("update_handler")

	var req requestmodels.SubmitUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Failed to bind submit update request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	update := req.ToUpdate()
	err := h.coordinator.Submit(c.Request.Context(), update)
	if err != nil {
		status := statusForError(err)
		log.Debug().Err(err).
			Int("client_id", update.ClientID).
			Int("origin_round", update.OriginRound).
			Int("status", status).
			Msg("Update not admitted")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, requestmodels.SubmitUpdateResponse{
		UpdateID:    update.ID.String(),
		ClientID:    update.ClientID,
		OriginRound: update.OriginRound,
		Status:      "admitted",
	})
}

func (h *UpdateHandler) GetModel(c *gin.Context) {
	model := h.coordinator.Latest()
	c.JSON(http.StatusOK, requestmodels.ModelResponse{
		Round:       model.Round,
		Weights:     model.Weights,
		LastUpdated: model.LastUpdated.Format(time.RFC3339),
	})
}

func (h *UpdateHandler) GetStatus(c *gin.Context) {
	status := h.coordinator.Status()
	response := requestmodels.StatusResponse{
		State:               string(status.State),
		Round:               status.Round,
		WindowAdmitted:      status.WindowAdmitted,
		WindowThreshold:     status.WindowThreshold,
		ConsecutiveFailures: status.ConsecutiveFailures,
		Stalled:             status.Stalled,
	}
	if !status.WindowOpenedAt.IsZero() {
		response.WindowOpenedAt = status.WindowOpenedAt.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, response)
}

// Health reports 503 once the coordinator has stopped so orchestrators stop
// routing clients to it.
func (h *UpdateHandler) Health(c *gin.Context) {
	state := h.coordinator.Status().State
	if state == models.CoordinatorStateStopped {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": string(state)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": string(state)})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrStaleUpdate), errors.Is(err, models.ErrDuplicateUpdate):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidRound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrCoordinatorStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
