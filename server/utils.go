package server

import (
	"github.com/agentwire/a2a/server/config"
	"github.com/agentwire/a2a/types"
	"github.com/google/uuid"
)

// GenerateTaskID generates a unique task ID using UUID v4
func GenerateTaskID() string {
	return uuid.New().String()
}

// CreateOIDCSecurityScheme creates an OpenID Connect security scheme
func CreateOIDCSecurityScheme(openIDConnectURL string, description string) types.SecurityScheme {
	return types.OpenIDConnectSecurityScheme{
		Type:             types.SecuritySchemeOpenIDConnect,
		OpenIDConnectURL: openIDConnectURL,
		Description:      types.StringPtr(description),
	}
}

// CreateAPIKeySecurityScheme creates an API key security scheme
func CreateAPIKeySecurityScheme(name string, in string, description string) types.SecurityScheme {
	return types.APIKeySecurityScheme{
		Type:        types.SecuritySchemeAPIKey,
		Name:        name,
		In:          in,
		Description: types.StringPtr(description),
	}
}

// CreateHTTPAuthSecurityScheme creates an HTTP authentication security scheme
func CreateHTTPAuthSecurityScheme(scheme string, bearerFormat *string, description string) types.SecurityScheme {
	return types.HTTPAuthSecurityScheme{
		Type:         types.SecuritySchemeHTTP,
		Scheme:       scheme,
		BearerFormat: bearerFormat,
		Description:  types.StringPtr(description),
	}
}

// CreateOAuth2SecurityScheme creates an OAuth 2.0 security scheme
func CreateOAuth2SecurityScheme(flows types.OAuthFlows, description string) types.SecurityScheme {
	return types.OAuth2SecurityScheme{
		Type:        types.SecuritySchemeOAuth2,
		Flows:       flows,
		Description: types.StringPtr(description),
	}
}

// NewAgentCardFromConfig builds the default agent card from server
// configuration. Callers may override the result with SetAgentCard.
func NewAgentCardFromConfig(cfg *config.Config, skills []types.AgentSkill, extendedConfigured bool) types.AgentCard {
	if skills == nil {
		skills = []types.AgentSkill{}
	}

	card := types.AgentCard{
		Name:            cfg.AgentName,
		Description:     cfg.AgentDescription,
		URL:             cfg.AgentURL,
		Version:         cfg.AgentVersion,
		ProtocolVersion: cfg.ProtocolVersion,
		Capabilities: types.AgentCapabilities{
			Streaming:              types.BoolPtr(cfg.CapabilitiesConfig.Streaming),
			PushNotifications:      types.BoolPtr(cfg.CapabilitiesConfig.PushNotifications),
			StateTransitionHistory: types.BoolPtr(cfg.CapabilitiesConfig.StateTransitionHistory),
		},
		DefaultInputModes:  cfg.DefaultInputModes,
		DefaultOutputModes: cfg.DefaultOutputModes,
		Skills:             skills,
		PreferredTransport: types.StringPtr("JSONRPC"),
	}

	if cfg.AuthConfig.Enable && cfg.AuthConfig.IssuerURL != "" {
		card.SecuritySchemes = map[string]types.SecurityScheme{
			"oidc": CreateOIDCSecurityScheme(
				cfg.AuthConfig.IssuerURL+"/.well-known/openid-configuration",
				"OpenID Connect authentication",
			),
		}
		card.Security = []map[string][]string{{"oidc": {}}}
	}

	card.SupportsAuthenticatedExtendedCard = types.BoolPtr(extendedConfigured)

	return card
}
