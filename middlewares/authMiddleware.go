package middlewares

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
	"bitbucket.org/mmdatafocus/crm_backend/models"
	"bitbucket.org/mmdatafocus/crm_backend/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates the bearer token and threads the caller's
// identity through the request context. Requests without a token pass
// through unauthenticated; RequireAuth gates the protected routes.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")

		if auth == "" {
			c.Next()
			return
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.Next()
			return
		}
		auth = auth[len(bearer):]

		validate, err := utils.JwtValidate(auth)
		if err != nil || !validate.Valid {
			models.RecordSecurityEvent(c.Request.Context(), models.SecurityEventInvalidToken,
				map[string]interface{}{"path": c.FullPath()},
				c.ClientIP(), c.Request.UserAgent())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		claim, _ := validate.Claims.(*utils.JwtCustomClaim)

		user, err := loadUserCached(c, claim.ID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if user.IsActive != nil && !*user.IsActive {
			models.RecordSecurityEvent(c.Request.Context(), models.SecurityEventInvalidToken,
				map[string]interface{}{"path": c.FullPath(), "reason": "inactive user"},
				c.ClientIP(), c.Request.UserAgent())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		ctx = utils.SetUserIdInContext(ctx, user.ID)
		ctx = utils.SetUserNameInContext(ctx, user.Name)
		ctx = utils.SetIsAdminInContext(ctx, user.IsAdmin())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// loadUserCached reads the caller's user row through a short-lived redis
// cache. Stale role/active flags live at most cache-TTL; Login invalidates
// on every successful sign-in.
func loadUserCached(c *gin.Context, userId int) (*models.User, error) {
	cacheKey := "user:" + strconv.Itoa(userId)

	var user models.User
	if found, err := config.GetRedisObject(cacheKey, &user); err == nil && found {
		return &user, nil
	}

	loaded, err := models.GetUserById(c.Request.Context(), userId)
	if err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(cacheKey, loaded, 5*time.Minute); err != nil {
		config.LogError(config.GetLogger(), "authMiddleware.go", "loadUserCached", "SetRedisObject", cacheKey, err)
	}
	return loaded, nil
}

// RequireAuth rejects requests that carry no authenticated user.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetUserIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects non-admin callers. Admin actions against protected
// surfaces are recorded in the security log.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if !utils.GetIsAdminFromContext(ctx) {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin role is required"})
			c.Abort()
			return
		}
		models.RecordSecurityEvent(ctx, models.SecurityEventAdminAction,
			map[string]interface{}{"path": c.FullPath(), "method": c.Request.Method},
			c.ClientIP(), c.Request.UserAgent())
		c.Next()
	}
}
