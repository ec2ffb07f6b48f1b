package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/colony-core/internal/common"
	"github.com/suPer8Hu/colony-core/internal/httpapi/middleware"
	"github.com/suPer8Hu/colony-core/internal/jobs"
)

type submitJobReq struct {
	Prompt    string  `json:"prompt"`
	AgentType *string `json:"agent_type"` // nil when absent (or null)
}

// SubmitJob stores a PENDING job and signals the worker queue. The prompt is not validated.
func (h *Handler) SubmitJob(c *gin.Context) {
	var req submitJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	j, err := h.Jobs.Submit(c.Request.Context(), req.Prompt, req.AgentType)
	if err != nil {
		log.Printf("[SubmitJob] request_id=%s err=%v", c.GetString(middleware.RequestIDKey), err)
		common.Fail(c, http.StatusInternalServerError, 20001, "Synapse failure.")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"job_id":  j.ID,
		"status":  j.Status,
		"message": "Vision accepted. The Deep Mind has been signaled.",
	})
}

// GetJob accepts the id as ?job_id= or as a path parameter.
func (h *Handler) GetJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Query("job_id"))
	if jobID == "" {
		jobID = strings.TrimSpace(c.Param("job_id"))
	}
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "Job ID required")
		return
	}

	j, err := h.Jobs.Poll(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "Dream not found.")
			return
		}
		log.Printf("[GetJob] request_id=%s job_id=%s err=%v", c.GetString(middleware.RequestIDKey), jobID, err)
		common.Fail(c, http.StatusInternalServerError, 20002, "Synapse failure.")
		return
	}

	common.OK(c, j)
}
