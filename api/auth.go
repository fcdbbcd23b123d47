package api

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gavel/models"
)

const (
	contextKeyUserID   = "auth.userID"
	contextKeyUsername = "auth.username"
	contextKeyIsAdmin  = "auth.isAdmin"
)

// Claims 是授權伺服器簽發的token內容
type Claims struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	jwt.RegisteredClaims
}

// ParseAndValidateToken 解析並驗證Ed25519簽名的token
func ParseAndValidateToken(tokenString string, publicKey ed25519.PublicKey, issuer, audience string) (*Claims, error) {
	const op = "ParseAndValidateToken"
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			return publicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%s: token claims are invalid", op)
	}
	return claims, nil
}

// extractToken 依序從Authorization header和access_token cookie取token
func extractToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := c.Cookie("access_token"); err == nil {
		return cookie
	}
	return ""
}

// AuthRequired 驗證請求的token，並將使用者資訊寫入gin context
func (impl *ServerImpl) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, err := ParseAndValidateToken(tokenString, impl.config.Auth.PublicKey, impl.config.Auth.Issuer, impl.config.Auth.Audience)
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		// 身份由授權伺服器管理，第一次看到的使用者在本地補一筆紀錄
		user := models.User{ID: userID, Username: claims.Username, IsAdmin: claims.Admin}
		if result := impl.db.FirstOrCreate(&user, "id = ?", userID); result.Error != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(contextKeyUserID, userID)
		c.Set(contextKeyUsername, claims.Username)
		c.Set(contextKeyIsAdmin, claims.Admin)
		c.Next()
	}
}

// AdminRequired 只允許帶有admin claim的使用者，必須串在AuthRequired之後
func (impl *ServerImpl) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(contextKeyIsAdmin) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}

// callerID 取出AuthRequired寫入的使用者ID
func callerID(c *gin.Context) uuid.UUID {
	id, _ := c.Get(contextKeyUserID)
	userID, _ := id.(uuid.UUID)
	return userID
}
