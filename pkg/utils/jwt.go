package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"task-sync-backend/pkg/models"
)

// AccessTokenTTL 访问令牌有效期（与 Supabase 默认值一致）
const AccessTokenTTL = time.Hour

// ErrTokenExpired is returned for a well-formed token past its exp claim.
var ErrTokenExpired = errors.New("token expired")

// JWTService JWT服务
//
// With an empty secret it only decodes claims (the hosted provider already verified the token
// and the daemon cannot check its signature).
type JWTService struct {
	secretKey []byte
	now       func() time.Time
}

// NewJWTService 创建JWT服务
func NewJWTService(secretKey string) *JWTService {
	return &JWTService{
		secretKey: []byte(secretKey),
		now:       time.Now,
	}
}

// CanVerify reports whether signatures are checked.
func (j *JWTService) CanVerify() bool { return len(j.secretKey) > 0 }

// GenerateAccessToken 生成访问令牌
func (j *JWTService) GenerateAccessToken(user models.Identity) (string, time.Time, error) {
	if !j.CanVerify() {
		return "", time.Time{}, fmt.Errorf("no signing secret configured")
	}
	now := j.now()
	expiry := now.Add(AccessTokenTTL)

	claims := &models.TokenClaims{
		Subject:      user.ID,
		Email:        user.Email,
		Role:         "authenticated",
		UserMetadata: models.UserMetadata{FullName: user.FullName},
		Exp:          expiry.Unix(),
		Iat:          now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	return tokenString, expiry, nil
}

// ValidateToken 验证令牌
func (j *JWTService) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}
	if !j.CanVerify() {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	} else {
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			// 验证签名方法
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return j.secretKey, nil
		}, jwt.WithoutClaimsValidation())
		if err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
		if !token.Valid {
			return nil, fmt.Errorf("invalid token")
		}
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	// 检查是否过期
	if claims.Exp != 0 && j.now().Unix() > claims.Exp {
		return nil, ErrTokenExpired
	}

	return claims, nil
}
