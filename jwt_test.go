package mapsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestParseSessionAuthUnverified(t *testing.T) {
	userId := NewId()

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":      userId.String(),
		"display_name": "ana",
		"color":        "#f00",
	})
	jwt, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	sessionAuth, err := ParseSessionAuthUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, jwt, sessionAuth.Jwt)
	assert.Equal(t, userId, sessionAuth.UserId)
	assert.Equal(t, "ana", sessionAuth.DisplayName)
	assert.Equal(t, "#f00", sessionAuth.Color)
}

func TestParseSessionAuthMissingUser(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"display_name": "ana",
	})
	jwt, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	_, err = ParseSessionAuthUnverified(jwt)
	assert.Equal(t, true, err != nil)
}

func TestParseSessionAuthNonStringClaims(t *testing.T) {
	// a numeric user_id is skipped, leaving the required claim missing
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":      12345,
		"display_name": 7,
	})
	jwt, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	_, err = ParseSessionAuthUnverified(jwt)
	assert.Equal(t, true, err != nil)
}

func TestParseSessionAuthMixedClaimTypes(t *testing.T) {
	userId := NewId()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":      userId.String(),
		"display_name": 7,
		"color":        true,
	})
	jwt, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	sessionAuth, err := ParseSessionAuthUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, userId, sessionAuth.UserId)
	assert.Equal(t, "", sessionAuth.DisplayName)
	assert.Equal(t, "", sessionAuth.Color)
}

func TestParseSessionAuthMalformed(t *testing.T) {
	_, err := ParseSessionAuthUnverified("not a token")
	assert.Equal(t, true, err != nil)
}
