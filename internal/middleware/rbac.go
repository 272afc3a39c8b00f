package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enroll-api/internal/models"
	appErrors "github.com/noah-isme/academy-enroll-api/pkg/errors"
	"github.com/noah-isme/academy-enroll-api/pkg/response"
)

// RequireRoles restricts a route to the listed roles.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		claims := mustClaims(c)
		if claims == nil {
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireStudentSelf allows staff through unconditionally and students
// only when the studentId route parameter matches their own profile.
func RequireStudentSelf(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := mustClaims(c)
		if claims == nil {
			return
		}
		if claims.Role == models.RoleAdmin || claims.Role == models.RoleTeacher {
			c.Next()
			return
		}
		if claims.StudentID != "" && c.Param(param) == claims.StudentID {
			c.Next()
			return
		}
		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}

func mustClaims(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		response.Error(c, appErrors.ErrUnauthorized)
		c.Abort()
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		c.Abort()
		return nil
	}
	return claims
}
