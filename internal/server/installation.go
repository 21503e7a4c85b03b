package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/meterline/internal/audit/domain"
	"github.com/smallbiznis/meterline/internal/audit/masking"
)

type registerSecretRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) DeactivateInstallation(c *gin.Context) {
	installID := strings.TrimSpace(c.Param("install_id"))
	if err := s.installationSvc.Deactivate(c.Request.Context(), installID); err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditdomain.ActionInstallationDeactivate, "installation", installID, nil)
	c.Status(http.StatusNoContent)
}

func (s *Server) ReactivateInstallation(c *gin.Context) {
	installID := strings.TrimSpace(c.Param("install_id"))
	if err := s.installationSvc.Reactivate(c.Request.Context(), installID); err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditdomain.ActionInstallationReactivate, "installation", installID, nil)
	c.Status(http.StatusNoContent)
}

// RegisterInstallSecret provisions a shared secret out of band. An existing
// secret is never replaced; the response says whether this call stored it.
func (s *Server) RegisterInstallSecret(c *gin.Context) {
	var req registerSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	installID := strings.TrimSpace(c.Param("install_id"))
	secret := strings.TrimSpace(req.Secret)
	stored, err := s.installationSvc.RegisterSecret(c.Request.Context(), installID, secret)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !stored {
		AbortWithError(c, ErrConflict)
		return
	}
	s.recordAudit(c, auditdomain.ActionInstallSecretRegister, "installation", installID, map[string]any{
		"secret": masking.MaskSecret(secret),
	})
	c.JSON(http.StatusCreated, gin.H{"stored": true})
}
