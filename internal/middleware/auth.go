package middleware

import (
	"net/http"
	"strings"

	"github.com/casdoor/casdoor-go-sdk/casdoorsdk"
	"github.com/gin-gonic/gin"

	"github.com/SAP-F-2025/exam-session-service/internal/config"
	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/utils"
)

const identityKey = "identity"

// NewCasdoorAuth validates the bearer token against Casdoor and attaches the
// resolved Identity to the request context. The engine itself never
// authenticates; it only authorizes against this struct.
func NewCasdoorAuth(cfg *config.Config, logger utils.Logger) gin.HandlerFunc {
	client := casdoorsdk.NewClient(
		cfg.CasdoorEndpoint,
		cfg.CasdoorClientID,
		cfg.CasdoorClientSecret,
		cfg.CasdoorCertificate,
		cfg.CasdoorOrganization,
		cfg.CasdoorApplication,
	)

	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Missing authorization token"})
			return
		}

		claims, err := client.ParseJwtToken(token)
		if err != nil {
			logger.Debug("Token validation failed", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid or expired token"})
			return
		}

		identity := identityFromClaims(claims)
		c.Set(identityKey, identity)
		c.Set("user_id", identity.UserID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Websocket clients cannot set headers from the browser.
	return c.Query("token")
}

func identityFromClaims(claims *casdoorsdk.Claims) *models.Identity {
	identity := &models.Identity{
		UserID:         claims.User.Id,
		OrganizationID: claims.User.Owner,
		Role:           models.RoleStudent,
	}
	if claims.User.IsAdmin {
		identity.Role = models.RoleAdmin
	} else if claims.User.Tag == "instructor" {
		identity.Role = models.RoleInstructor
	}
	if claims.User.Properties != nil {
		if claims.User.Properties["superOrgAdmin"] == "true" {
			identity.IsSuperOrgAdmin = true
		}
		if claims.User.Properties["unlimitedAttempts"] == "true" {
			identity.UnlimitedAttempts = true
		}
	}
	return identity
}

// GetIdentity returns the Identity attached by the auth middleware.
func GetIdentity(c *gin.Context) *models.Identity {
	value, exists := c.Get(identityKey)
	if !exists {
		return nil
	}
	identity, ok := value.(*models.Identity)
	if !ok {
		return nil
	}
	return identity
}
