package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/colony-core/internal/common"
)

func (h *Handler) ListEntityUpdates(c *gin.Context) {
	if h.Updates == nil {
		common.Fail(c, http.StatusNotFound, 40402, "update log disabled")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, err := h.Updates.ListByEntity(c.Request.Context(), c.Param("entity_type"), c.Param("entity_id"), limit)
	if err != nil {
		log.Printf("[ListEntityUpdates] entity=%s/%s err=%v", c.Param("entity_type"), c.Param("entity_id"), err)
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to list updates")
		return
	}

	common.OK(c, gin.H{"updates": rows})
}
