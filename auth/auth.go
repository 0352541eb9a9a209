package jwt

import (
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/pkg/errors"
)

var ErrInvalidToken = errors.New("invalid token")

const instanceClaim = "instance"

// CreateToken signs a token bound to a gateway instance. It is embedded in the
// webhook URL registered on that instance, so it carries no expiry.
func CreateToken(instance string, secretKey []byte) (string, error) {
	if instance == "" {
		return "", errors.New("instance is required")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		instanceClaim: instance,
		"iat":         time.Now().Unix(),
	})
	signed, err := token.SignedString(secretKey)
	return signed, errors.Wrap(err, "sign token")
}

// VerifyToken checks the signature and returns the instance claim.
func VerifyToken(tokenString string, secretKey []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secretKey, nil
	})
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	instance, _ := claims[instanceClaim].(string)
	if instance == "" {
		return "", errors.Wrap(ErrInvalidToken, "missing instance claim")
	}
	return instance, nil
}
