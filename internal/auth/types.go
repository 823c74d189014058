package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// Permissions understood by the API.
const (
	PermissionAll           = "*"
	PermissionRequestsRead  = "requests:read"
	PermissionRequestsWrite = "requests:write"
	PermissionReviewsRead   = "reviews:read"
	PermissionReviewsWrite  = "reviews:write"
	PermissionAgentsRead    = "agents:read"
)

// Subject is the caller identified by an API token and passed to handlers via
// context.
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
// The wildcard permission grants everything; "reviews:*" grants every
// reviews permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	permission = strings.ToLower(strings.TrimSpace(permission))
	if _, ok := s.permissionsSet[PermissionAll]; ok {
		return true
	}
	if _, ok := s.permissionsSet[permission]; ok {
		return true
	}
	if resource, _, found := strings.Cut(permission, ":"); found {
		_, ok := s.permissionsSet[resource+":*"]
		return ok
	}
	return false
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Token binds a static bearer token to a named subject.
type Token struct {
	Name        string
	Token       string
	Permissions []string
	Disabled    bool
}

// Config configures the authentication service. No tokens disables
// authentication.
type Config struct {
	Tokens []Token
}
