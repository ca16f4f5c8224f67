package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims represents the access token payload issued by the auth service.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	SchoolID string   `json:"school_id,omitempty"`
	jwt.RegisteredClaims
}

// Actor identifies who performs a mutating call. It is always passed explicitly.
type Actor struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Role      UserRole `json:"role"`
	SchoolID  string   `json:"schoolId,omitempty"`
	IPAddress string   `json:"ipAddress,omitempty"`
	UserAgent string   `json:"userAgent,omitempty"`
}

// IsAdmin reports whether the actor may resolve requests and run bulk actions.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleSuperAdmin || a.Role == RoleAdmin
}

// ActorFromClaims builds an actor from verified token claims.
func ActorFromClaims(claims *JWTClaims) Actor {
	if claims == nil {
		return Actor{}
	}
	name := claims.FullName
	if name == "" {
		name = claims.Email
	}
	return Actor{
		ID:       claims.UserID,
		Name:     name,
		Role:     claims.Role,
		SchoolID: claims.SchoolID,
	}
}
