package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/meterline/internal/audit/domain"
	licensedomain "github.com/smallbiznis/meterline/internal/license/domain"
)

type deactivateSiteRequest struct {
	SiteHash string `json:"site_hash"`
}

// amountRequest carries a token or credit amount for one license identity.
type amountRequest struct {
	licensedomain.Identity
	Amount int64 `json:"amount"`
}

func (s *Server) AttachSite(c *gin.Context) {
	var req licensedomain.AutoAttachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.licenseSvc.AutoAttach(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status := http.StatusOK
	if res.Minted {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (s *Server) ActivateLicense(c *gin.Context) {
	var req licensedomain.ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.licenseSvc.Activate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) DeactivateSite(c *gin.Context) {
	var req deactivateSiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.licenseSvc.DeactivateSite(c.Request.Context(), strings.TrimSpace(req.SiteHash)); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) GetQuota(c *gin.Context) {
	id, err := identityFromQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view, err := s.licenseSvc.Quota(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// AuthorizeGeneration answers whether a generation may start. A denial is
// a normal 200 response carrying the reason.
func (s *Server) AuthorizeGeneration(c *gin.Context) {
	var req licensedomain.AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	auth, err := s.licenseSvc.Authorize(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"allowed": auth.Decision.Allowed,
		"reason":  auth.Decision.Reason,
		"source":  auth.Decision.Source,
		"message": auth.Decision.Reason.Message(),
		"quota":   auth.Quota,
	})
}

// CommitUsage deducts the tokens a finished generation consumed.
func (s *Server) CommitUsage(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.licenseSvc.Deduct(c.Request.Context(), req.Identity, req.Amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) UpdateSubscription(c *gin.Context) {
	var req licensedomain.SubscriptionUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	lic, err := s.licenseSvc.UpdateSubscription(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditdomain.ActionSubscriptionUpdate, "license", lic.ID.String(), map[string]any{
		"status": lic.Status,
		"plan":   lic.Plan,
	})
	c.JSON(http.StatusOK, lic)
}

func (s *Server) AddCredits(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	lic, err := s.licenseSvc.AddCredits(c.Request.Context(), req.Identity, req.Amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditdomain.ActionCreditsAdd, "license", lic.ID.String(), map[string]any{
		"amount":            req.Amount,
		"credits_remaining": lic.CreditsRemaining,
	})
	c.JSON(http.StatusOK, lic)
}
