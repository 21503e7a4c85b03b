package server

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	licensedomain "github.com/smallbiznis/meterline/internal/license/domain"
)

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed == 0 {
		return nil, errors.New("invalid_snowflake_id")
	}
	return &parsed, nil
}

// identityFromQuery reads license_id, license_key or site_hash.
func identityFromQuery(c interface{ Query(string) string }) (licensedomain.Identity, error) {
	id := licensedomain.Identity{
		LicenseKey: strings.TrimSpace(c.Query("license_key")),
		SiteHash:   strings.TrimSpace(c.Query("site_hash")),
	}
	licenseID, err := parseOptionalSnowflakeID(c.Query("license_id"))
	if err != nil {
		return licensedomain.Identity{}, newValidationError("license_id", "invalid_license_id", "invalid license id")
	}
	if licenseID != nil {
		id.LicenseID = *licenseID
	}
	return id, nil
}
