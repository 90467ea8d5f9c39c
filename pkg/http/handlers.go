package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/dispenser"
	"liyu1981.xyz/medipi-dispenser/pkg/hardware"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
	"liyu1981.xyz/medipi-dispenser/pkg/schedule"

	z "github.com/Oudwins/zog"
	"github.com/Oudwins/zog/zhttp"
)

func (rs *RestfulServer) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (rs *RestfulServer) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, rs.Dispenser.Snapshot())
}

func (rs *RestfulServer) GetSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, rs.Dispenser.Schedules())
}

// PostCommand accepts the same envelope as the hub command topic.
func (rs *RestfulServer) PostCommand(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := rs.Dispenser.HandleCommand(body); err != nil {
		common.GetLoggerWith(common.LoggerNameRestfulServer).Warn("Command rejected", zap.Error(err))
		c.JSON(commandErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func commandErrorStatus(err error) int {
	switch {
	case errors.Is(err, dispenser.ErrInvalidCommand),
		errors.Is(err, dispenser.ErrUnknownAction),
		errors.Is(err, dispenser.ErrUnknownComponent):
		return http.StatusBadRequest
	case errors.Is(err, dispenser.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, schedule.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type ScanRequest struct {
	ID   string `json:"id" zog:"id"`
	Text string `json:"text" zog:"text"`
}

var scanRequestSchema = z.Struct(z.Shape{
	"ID":   z.String().Min(1).Required(),
	"Text": z.String(),
})

// PostScan feeds a tag read into the simulated RFID reader.
func (rs *RestfulServer) PostScan(c *gin.Context) {
	var req ScanRequest
	if err := scanRequestSchema.Parse(zhttp.Request(c.Request), &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err})
		return
	}

	if err := rs.Dispenser.Scan(models.Tag{ID: req.ID, Text: req.Text}); err != nil {
		if errors.Is(err, hardware.ErrUnavailable) || errors.Is(err, hardware.ErrScanQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusAccepted)
}
