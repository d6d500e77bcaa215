package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/jrsteele09/go-team-auth/backend/fakebackend"
	"github.com/jrsteele09/go-team-auth/internal/config"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/rs/zerolog/log"
)

const (
	demoSuperAdminUsername = "admin"
	demoOwnerUsername      = "owner"
	demoMemberUsername     = "member"
	demoSupportTeam        = "Support"
	demoCustomerTeam       = "Demo Customer"
)

// seedDemoBackend runs an in-process backend with a super-admin, a customer
// team owner and a member. Passwords are generated and logged once.
func seedDemoBackend(c config.Config) (*fakebackend.Client, error) {
	s := fakebackend.NewServer()
	domain := emailDomain(c.GetAllowedOrigins().String())

	support, err := s.CreateTeam(demoSupportTeam)
	if err != nil {
		return nil, fmt.Errorf("seed support team: %w", err)
	}
	customer, err := s.CreateTeam(demoCustomerTeam)
	if err != nil {
		return nil, fmt.Errorf("seed customer team: %w", err)
	}

	seeds := []struct {
		username string
		fullName string
		teamID   string
		role     users.RoleType
	}{
		{demoSuperAdminUsername, "Support Admin", support.ID, users.RoleSuperAdmin},
		{demoOwnerUsername, "Demo Owner", customer.ID, users.RoleOwner},
		{demoMemberUsername, "Demo Member", customer.ID, users.RoleMember},
	}
	for _, seed := range seeds {
		password, err := generatePassword()
		if err != nil {
			return nil, err
		}
		email := fmt.Sprintf("%s@%s", seed.username, domain)
		user, err := s.CreateUser(email, password, seed.fullName)
		if err != nil {
			return nil, fmt.Errorf("seed user %s: %w", email, err)
		}
		if err := s.AddMember(seed.teamID, user.ID, seed.role); err != nil {
			return nil, fmt.Errorf("seed membership %s: %w", email, err)
		}
		log.Info().
			Str("email", email).
			Str("password", password).
			Str("role", string(seed.role)).
			Msg("demo account created, save this password, it will not be displayed again")
	}
	log.Warn().Msg("BACKEND_URL not set, using the in-process demo backend")
	return s.NewClient(), nil
}

func generatePassword() (string, error) {
	for {
		b := make([]byte, 12)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		password := base64.RawURLEncoding.EncodeToString(b)
		if users.ValidatePasswordStrength(password) == nil {
			return password, nil
		}
	}
}

// emailDomain takes the host of the first allowed origin.
func emailDomain(origins string) string {
	domain := strings.SplitN(origins, ",", 2)[0]
	domain = strings.ReplaceAll(strings.ReplaceAll(domain, "https://", ""), "http://", "")
	domain = strings.SplitN(domain, "/", 2)[0]
	domain = strings.SplitN(domain, ":", 2)[0]
	if domain == "" || domain == "*" || !strings.Contains(domain, ".") {
		return "example.com"
	}
	return domain
}
