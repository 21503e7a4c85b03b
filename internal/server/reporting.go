package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	reportingdomain "github.com/smallbiznis/meterline/internal/reporting/domain"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
)

func (s *Server) ListInstallations(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.reportingSvc.ListInstallations(c.Request.Context(), page)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) InstallationSummary(c *gin.Context) {
	var req reportingdomain.SummaryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.InstallID = strings.TrimSpace(c.Param("install_id"))

	resp, err := s.reportingSvc.FetchSummary(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) InstallationEvents(c *gin.Context) {
	var req reportingdomain.EventsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.InstallID = strings.TrimSpace(c.Param("install_id"))

	resp, err := s.reportingSvc.FetchEvents(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
