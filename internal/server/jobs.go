package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/meterline/internal/audit/domain"
)

// RunJob triggers a scheduler job out of band, under the same lock and
// timeout as a scheduled run.
func (s *Server) RunJob(c *gin.Context) {
	job := c.Param("job")
	if err := s.scheduler.RunJob(c.Request.Context(), job); err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditdomain.ActionJobRun, "job", job, nil)
	c.JSON(http.StatusAccepted, gin.H{"job": job, "status": "completed"})
}
