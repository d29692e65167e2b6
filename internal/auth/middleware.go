package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Roles, highest first
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
	RoleViewer     = "viewer"
)

// TenantHeader carries the tenant when authentication is skipped
const TenantHeader = "X-Tenant-ID"

type Claims struct {
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Role     string   `json:"role"`
	Groups   []string `json:"groups"`
	TenantID string   `json:"tenantId"`
	AgentID  string   `json:"agentId,omitempty"` // set for agent consoles
	jwt.RegisteredClaims
}

type contextKey string

const UserContextKey contextKey = "user"

// Settings controls token handling
type Settings struct {
	SkipAuth        bool
	VerifySignature bool
	IssuerURL       string
}

// Authenticator validates bearer tokens and stores the claims on the
// request context
type Authenticator struct {
	settings Settings
	logger   zerolog.Logger

	mu   sync.RWMutex
	jwks keyfunc.Keyfunc
}

// New creates an Authenticator. JWKS keys are fetched lazily on the first
// verified token.
func New(settings Settings, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		settings: settings,
		logger:   logger.With().Str("component", "auth").Logger(),
	}
}

// keyfunc returns the JWKS keyfunc, fetching it on first use
func (a *Authenticator) keyfunc() (jwt.Keyfunc, error) {
	a.mu.RLock()
	k := a.jwks
	a.mu.RUnlock()
	if k != nil {
		return k.Keyfunc, nil
	}

	if a.settings.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC_ISSUER not configured for JWT verification")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.jwks != nil {
		return a.jwks.Keyfunc, nil
	}

	// Keycloak layout
	jwksURL := strings.TrimSuffix(a.settings.IssuerURL, "/") + "/protocol/openid-connect/certs"
	a.logger.Info().Str("jwks_url", jwksURL).Msg("fetching JWKS")

	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create keyfunc: %w", err)
	}
	a.jwks = k
	return k.Keyfunc, nil
}

// Middleware validates JWT tokens from the OIDC provider
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.settings.SkipAuth {
			tenant := r.Header.Get(TenantHeader)
			if tenant == "" {
				tenant = r.URL.Query().Get("tenantId")
			}
			ctx := context.WithValue(r.Context(), UserContextKey, &Claims{
				Email:    "dev@handoff.local",
				Name:     "Dev User",
				Role:     RoleAdmin,
				TenantID: tenant,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		claims, err := a.validateToken(tokenString)
		if err != nil {
			a.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("token validation failed")
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}
		if claims.TenantID == "" {
			http.Error(w, "Forbidden: token has no tenant", http.StatusForbidden)
			return
		}

		a.logger.Debug().
			Str("email", claims.Email).
			Str("role", claims.Role).
			Str("tenant_id", claims.TenantID).
			Msg("user authenticated")

		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects users whose role is not in roles
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if HasRole(claims, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "Forbidden: insufficient role", http.StatusForbidden)
		})
	}
}

// extractToken gets the token from Authorization header or query parameter
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}

	// WebSocket clients cannot set headers
	return r.URL.Query().Get("token")
}

// validateToken parses the token, verifying the signature unless disabled
func (a *Authenticator) validateToken(tokenString string) (*Claims, error) {
	var (
		token *jwt.Token
		err   error
	)

	if a.settings.VerifySignature {
		kf, err := a.keyfunc()
		if err != nil {
			return nil, err
		}
		token, err = jwt.Parse(tokenString, kf, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
		if err != nil {
			return nil, fmt.Errorf("token verification failed: %w", err)
		}
		if !token.Valid {
			return nil, fmt.Errorf("invalid token")
		}
	} else {
		token, _, err = new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{
		Email:    stringClaim(mapClaims, "email"),
		Name:     stringClaim(mapClaims, "name", "preferred_username"),
		TenantID: stringClaim(mapClaims, "tenant_id", "tenantId"),
		AgentID:  stringClaim(mapClaims, "agent_id", "agentId"),
		Role:     extractRoleFromMapClaims(mapClaims),
		Groups:   extractGroupsFromMapClaims(mapClaims),
	}
	claims.Subject = stringClaim(mapClaims, "sub")

	// Verified tokens had exp checked by the parser
	if !a.settings.VerifySignature {
		if exp, ok := mapClaims["exp"].(float64); ok {
			expTime := time.Unix(int64(exp), 0)
			claims.ExpiresAt = jwt.NewNumericDate(expTime)
			if expTime.Before(time.Now()) {
				return nil, fmt.Errorf("token expired")
			}
		}
	}

	return claims, nil
}

// stringClaim returns the first non-empty string claim among keys
func stringClaim(m jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// extractRoleFromMapClaims extracts role from various possible token claim locations
func extractRoleFromMapClaims(mapClaims jwt.MapClaims) string {
	// Keycloak realm roles
	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		if roles, ok := realmAccess["roles"].([]interface{}); ok {
			for _, priority := range []string{RoleAdmin, RoleSupervisor, RoleAgent, RoleViewer} {
				for _, role := range roles {
					if roleStr, ok := role.(string); ok && roleStr == priority {
						return roleStr
					}
				}
			}
		}
	}

	// Cognito and custom group claims
	for _, key := range []string{"cognito:groups", "custom:groups"} {
		groups, ok := mapClaims[key].([]interface{})
		if !ok {
			continue
		}
		for _, group := range groups {
			groupStr, ok := group.(string)
			if !ok {
				continue
			}
			for _, role := range []string{RoleAdmin, RoleSupervisor, RoleAgent} {
				if strings.Contains(groupStr, role) {
					return role
				}
			}
		}
	}

	return RoleViewer
}

// extractGroupsFromMapClaims extracts groups from token claims
func extractGroupsFromMapClaims(mapClaims jwt.MapClaims) []string {
	var groups []string
	for _, key := range []string{"groups", "cognito:groups"} {
		if claim, ok := mapClaims[key].([]interface{}); ok {
			for _, group := range claim {
				if groupStr, ok := group.(string); ok {
					groups = append(groups, groupStr)
				}
			}
		}
	}
	return groups
}

// GetUserFromContext retrieves user claims from request context
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// HasRole checks if user has specific role
func HasRole(claims *Claims, role string) bool {
	return claims.Role == role
}

// TenantFromContext returns the caller's tenant
func TenantFromContext(ctx context.Context) (string, bool) {
	claims, ok := GetUserFromContext(ctx)
	if !ok || claims.TenantID == "" {
		return "", false
	}
	return claims.TenantID, true
}
