package middlewares

import (
	"context"
	"net/http"
	"strings"

	config "github.com/agentwire/a2a/server/config"
	"github.com/agentwire/a2a/types"
	oidcV3 "github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type contextKey string

const (
	AuthTokenContextKey contextKey = "authToken"
	IDTokenContextKey   contextKey = "idToken"
	PrincipalContextKey contextKey = "principal"
)

// OIDCAuthenticator produces the authentication middleware for the RPC
// surface. The noop variant is returned whenever auth is disabled.
type OIDCAuthenticator interface {
	Middleware() gin.HandlerFunc
}

type OIDCAuthenticatorImpl struct {
	logger   *zap.Logger
	verifier *oidcV3.IDTokenVerifier
	config   oauth2.Config
}

type OIDCAuthenticatorNoop struct{}

// NewOIDCAuthenticatorMiddleware discovers the OIDC provider named in the
// config and builds a verifier against it. Incomplete auth config downgrades
// to the noop authenticator rather than failing startup.
func NewOIDCAuthenticatorMiddleware(logger *zap.Logger, cfg config.Config) (OIDCAuthenticator, error) {
	if !cfg.AuthConfig.Enable {
		return &OIDCAuthenticatorNoop{}, nil
	}

	auth := cfg.AuthConfig
	if auth.IssuerURL == "" || auth.ClientID == "" || auth.ClientSecret == "" {
		logger.Warn("auth enabled without issuer or client credentials, running unauthenticated")
		return &OIDCAuthenticatorNoop{}, nil
	}

	provider, err := oidcV3.NewProvider(context.Background(), auth.IssuerURL)
	if err != nil {
		return nil, err
	}

	return &OIDCAuthenticatorImpl{
		logger:   logger,
		verifier: provider.Verifier(&oidcV3.Config{ClientID: auth.ClientID}),
		config: oauth2.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidcV3.ScopeOpenID, "profile", "email"},
		},
	}, nil
}

// bearerToken extracts the token from an Authorization header, returning
// false when the header is absent or not a bearer credential.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	return header[len("Bearer "):], true
}

func unauthorized(c *gin.Context, reason string) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": reason})
	c.Abort()
}

// Middleware verifies the bearer token as an OIDC id token and stashes the
// token, the parsed claims and the subject in the request context.
func (auth *OIDCAuthenticatorImpl) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			auth.logger.Warn("request without bearer credentials rejected")
			unauthorized(c, "bearer token required")
			return
		}

		idToken, err := auth.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			auth.logger.Warn("id token rejected", zap.Error(err))
			unauthorized(c, "invalid token")
			return
		}

		c.Set(string(AuthTokenContextKey), token)
		c.Set(string(IDTokenContextKey), idToken)
		c.Set(string(PrincipalContextKey), idToken.Subject)
		c.Next()
	}
}

func (auth *OIDCAuthenticatorNoop) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
	}
}

// SecurityValidator enforces the security requirements an agent card
// declares. A request passes when it satisfies every scheme of at least one
// requirement group.
type SecurityValidator interface {
	ValidateSecurityRequirements(agentCard *types.AgentCard) gin.HandlerFunc
}

type SecurityValidatorImpl struct {
	logger *zap.Logger
	config config.Config
}

type SecurityValidatorNoop struct{}

func NewSecurityValidator(logger *zap.Logger, cfg config.Config) SecurityValidator {
	if !cfg.AuthConfig.Enable {
		return &SecurityValidatorNoop{}
	}
	return &SecurityValidatorImpl{logger: logger, config: cfg}
}

// ValidateSecurityRequirements checks each requirement group in card order
// until one is fully satisfied. Cards without requirements pass everything
// through.
func (sv *SecurityValidatorImpl) ValidateSecurityRequirements(agentCard *types.AgentCard) gin.HandlerFunc {
	return func(c *gin.Context) {
		if agentCard == nil || len(agentCard.Security) == 0 {
			c.Next()
			return
		}

		for _, group := range agentCard.Security {
			if sv.groupSatisfied(c, agentCard, group) {
				c.Next()
				return
			}
		}

		sv.logger.Warn("request satisfied no security requirement group",
			zap.Int("groups", len(agentCard.Security)))
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "Authentication required",
			"message": "request satisfies none of the declared security requirements",
		})
		c.Abort()
	}
}

func (sv *SecurityValidatorImpl) groupSatisfied(c *gin.Context, agentCard *types.AgentCard, group map[string][]string) bool {
	for schemeName := range group {
		scheme, declared := agentCard.SecuritySchemes[schemeName]
		if !declared {
			sv.logger.Warn("security requirement names an undeclared scheme",
				zap.String("scheme", schemeName))
			return false
		}
		if !sv.schemeSatisfied(c, schemeName, scheme) {
			return false
		}
	}
	return true
}

func (sv *SecurityValidatorImpl) schemeSatisfied(c *gin.Context, schemeName string, scheme types.SecurityScheme) bool {
	switch s := scheme.(type) {
	case types.OpenIDConnectSecurityScheme:
		return sv.validateOIDC(c)
	case types.HTTPAuthSecurityScheme:
		return sv.validateHTTPAuth(c, s)
	case types.APIKeySecurityScheme:
		return sv.validateAPIKey(c, s)
	case types.OAuth2SecurityScheme:
		_, ok := bearerToken(c)
		return ok
	case types.MutualTLSSecurityScheme:
		return sv.validateMutualTLS(c)
	default:
		sv.logger.Warn("unsupported security scheme type", zap.String("scheme", schemeName))
		return false
	}
}

// validateOIDC requires that the OIDC middleware already verified an id
// token on this request.
func (sv *SecurityValidatorImpl) validateOIDC(c *gin.Context) bool {
	token, exists := c.Get(string(IDTokenContextKey))
	return exists && token != nil
}

func (sv *SecurityValidatorImpl) validateHTTPAuth(c *gin.Context, scheme types.HTTPAuthSecurityScheme) bool {
	header := c.GetHeader("Authorization")
	if header == "" {
		return false
	}

	switch strings.ToLower(scheme.Scheme) {
	case "bearer":
		_, ok := bearerToken(c)
		return ok
	case "basic":
		return strings.HasPrefix(strings.ToLower(header), "basic ")
	default:
		return false
	}
}

func (sv *SecurityValidatorImpl) validateAPIKey(c *gin.Context, scheme types.APIKeySecurityScheme) bool {
	switch scheme.In {
	case "header":
		return c.GetHeader(scheme.Name) != ""
	case "query":
		return c.Query(scheme.Name) != ""
	case "cookie":
		value, err := c.Cookie(scheme.Name)
		return err == nil && value != ""
	default:
		return false
	}
}

// validateMutualTLS requires a client certificate on the TLS session. Plain
// HTTP requests never satisfy it.
func (sv *SecurityValidatorImpl) validateMutualTLS(c *gin.Context) bool {
	tlsState := c.Request.TLS
	return tlsState != nil && len(tlsState.PeerCertificates) > 0
}

func (sv *SecurityValidatorNoop) ValidateSecurityRequirements(agentCard *types.AgentCard) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
	}
}
