package mapsync

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity of the local editor session, taken from the session token.
// the token is verified by the remote authority, not here.
type SessionAuth struct {
	Jwt         string
	UserId      Id
	DisplayName string
	Color       string
}

func ParseSessionAuthUnverified(jwt string) (*SessionAuth, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionAuth := &SessionAuth{
		Jwt: jwt,
	}

	// claims with an unexpected type are skipped, not fatal
	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			sessionAuth.UserId = userId
		}
	}
	if displayName, ok := claims["display_name"].(string); ok {
		sessionAuth.DisplayName = displayName
	}
	if color, ok := claims["color"].(string); ok {
		sessionAuth.Color = color
	}

	if (sessionAuth.UserId == Id{}) {
		return nil, errors.New("session token missing user_id")
	}

	return sessionAuth, nil
}
