package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hydrosense/bottlelink/internal/calibration"
)

func (s *Server) postCalibrationBegin(c *gin.Context) {
	var req struct {
		Step string `json:"step"` // "empty" or "full"
	}
	if err := c.BindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		return
	}

	var step calibration.Step
	switch req.Step {
	case "empty":
		step = calibration.StepEmpty
	case "full":
		step = calibration.StepFull
	default:
		c.IndentedJSON(http.StatusBadRequest, "step must be \"empty\" or \"full\"")
		return
	}

	if err := s.coord.BeginCalibration(step); err != nil {
		c.IndentedJSON(http.StatusBadGateway, err.Error())
		return
	}
	c.IndentedJSON(http.StatusAccepted, "collecting")
}

func (s *Server) postCalibrationComplete(c *gin.Context) {
	var req struct {
		CapacityML uint32 `json:"capacityML"`
	}
	if err := c.BindJSON(&req); err != nil || req.CapacityML == 0 {
		c.IndentedJSON(http.StatusBadRequest, "capacityML is required")
		return
	}

	if err := s.coord.CompleteCalibration(req.CapacityML); err != nil {
		if err == calibration.ErrInvalid {
			// Physical-setup error: the user must redo the ritual.
			c.IndentedJSON(http.StatusUnprocessableEntity, err.Error())
			return
		}
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		return
	}
	c.IndentedJSON(http.StatusCreated, s.coord.Calibration())
}
