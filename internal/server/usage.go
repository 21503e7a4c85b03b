package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/meterline/internal/observability/context"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
)

const (
	HeaderPlan             = "X-Plan"
	HeaderPluginVersion    = "X-Plugin-Version"
	HeaderWordPressVersion = "X-WordPress-Version"
	HeaderPHPVersion       = "X-PHP-Version"
	HeaderMultisite        = "X-Multisite"
	HeaderInstallSecret    = "X-Install-Secret"
	HeaderSignature        = "X-Signature"
)

func (s *Server) IngestUsage(c *gin.Context) {
	var req usagedomain.IngestBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Plan = strings.TrimSpace(c.GetHeader(HeaderPlan))
	req.PluginVersion = strings.TrimSpace(c.GetHeader(HeaderPluginVersion))
	req.WordPressVersion = strings.TrimSpace(c.GetHeader(HeaderWordPressVersion))
	req.PHPVersion = strings.TrimSpace(c.GetHeader(HeaderPHPVersion))
	req.Multisite = strings.TrimSpace(c.GetHeader(HeaderMultisite))
	req.InstallSecret = strings.TrimSpace(c.GetHeader(HeaderInstallSecret))
	req.Signature = strings.TrimSpace(c.GetHeader(HeaderSignature))

	ctx := obscontext.WithInstallID(c.Request.Context(), req.InstallID)
	c.Request = c.Request.WithContext(ctx)
	result, err := s.usagesvc.IngestBatch(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
