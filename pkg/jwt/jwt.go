package jwt

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

// Claims 访问令牌声明（令牌由认证服务签发，本服务只做校验）
type Claims struct {
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

const accessTokenType = "access"

// Verifier 访问令牌校验器
type Verifier struct {
	secretKey []byte
	issuer    string
}

// NewVerifier 创建令牌校验器，issuer 为空时不校验签发者
func NewVerifier(secretKey, issuer string) *Verifier {
	return &Verifier{
		secretKey: []byte(secretKey),
		issuer:    issuer,
	}
}

// ValidateAccessToken 验证 Access Token
func (v *Verifier) ValidateAccessToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.TokenType != accessTokenType || claims.UserID == "" {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
