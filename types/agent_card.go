package types

import (
	"encoding/json"
	"fmt"
)

// AgentProvider identifies the organization serving the agent
type AgentProvider struct {
	Organization string  `json:"organization"`
	URL          *string `json:"url,omitempty"`
}

// AgentCapabilities advertises optional protocol features
type AgentCapabilities struct {
	Streaming              *bool            `json:"streaming,omitempty"`
	PushNotifications      *bool            `json:"pushNotifications,omitempty"`
	StateTransitionHistory *bool            `json:"stateTransitionHistory,omitempty"`
	Extensions             []AgentExtension `json:"extensions,omitempty"`
}

// AgentExtension declares support for a protocol extension
type AgentExtension struct {
	URI         string         `json:"uri"`
	Description *string        `json:"description,omitempty"`
	Required    *bool          `json:"required,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// AgentSkill describes one capability the agent can perform
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Examples    []string `json:"examples,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// AgentInterface binds a transport protocol to a serving URL
type AgentInterface struct {
	Transport string `json:"transport"`
	URL       string `json:"url"`
}

// SecurityScheme type discriminators
const (
	SecuritySchemeAPIKey        = "apiKey"
	SecuritySchemeHTTP          = "http"
	SecuritySchemeOAuth2        = "oauth2"
	SecuritySchemeOpenIDConnect = "openIdConnect"
	SecuritySchemeMutualTLS     = "mutualTLS"
)

// SecurityScheme describes one way a client can authenticate, discriminated
// by the "type" field on the wire.
type SecurityScheme interface {
	// SchemeType returns the wire discriminator of the concrete variant
	SchemeType() string
}

// APIKeySecurityScheme authenticates with a key in a header, query or cookie
type APIKeySecurityScheme struct {
	Type        string  `json:"type"`
	Name        string  `json:"name"`
	In          string  `json:"in"`
	Description *string `json:"description,omitempty"`
}

// SchemeType returns the wire discriminator of the concrete variant
func (s APIKeySecurityScheme) SchemeType() string { return SecuritySchemeAPIKey }

// HTTPAuthSecurityScheme authenticates with an HTTP Authorization scheme
type HTTPAuthSecurityScheme struct {
	Type         string  `json:"type"`
	Scheme       string  `json:"scheme"`
	BearerFormat *string `json:"bearerFormat,omitempty"`
	Description  *string `json:"description,omitempty"`
}

// SchemeType returns the wire discriminator of the concrete variant
func (s HTTPAuthSecurityScheme) SchemeType() string { return SecuritySchemeHTTP }

// OAuthFlows groups the OAuth 2.0 flows a scheme supports
type OAuthFlows struct {
	AuthorizationCode *AuthorizationCodeOAuthFlow `json:"authorizationCode,omitempty"`
	ClientCredentials *ClientCredentialsOAuthFlow `json:"clientCredentials,omitempty"`
}

// AuthorizationCodeOAuthFlow describes the authorization code flow
type AuthorizationCodeOAuthFlow struct {
	AuthorizationURL string            `json:"authorizationUrl"`
	TokenURL         string            `json:"tokenUrl"`
	RefreshURL       *string           `json:"refreshUrl,omitempty"`
	Scopes           map[string]string `json:"scopes"`
}

// ClientCredentialsOAuthFlow describes the client credentials flow
type ClientCredentialsOAuthFlow struct {
	TokenURL   string            `json:"tokenUrl"`
	RefreshURL *string           `json:"refreshUrl,omitempty"`
	Scopes     map[string]string `json:"scopes"`
}

// OAuth2SecurityScheme authenticates with OAuth 2.0
type OAuth2SecurityScheme struct {
	Type        string     `json:"type"`
	Flows       OAuthFlows `json:"flows"`
	Description *string    `json:"description,omitempty"`
}

// SchemeType returns the wire discriminator of the concrete variant
func (s OAuth2SecurityScheme) SchemeType() string { return SecuritySchemeOAuth2 }

// OpenIDConnectSecurityScheme authenticates with OpenID Connect discovery
type OpenIDConnectSecurityScheme struct {
	Type             string  `json:"type"`
	OpenIDConnectURL string  `json:"openIdConnectUrl"`
	Description      *string `json:"description,omitempty"`
}

// SchemeType returns the wire discriminator of the concrete variant
func (s OpenIDConnectSecurityScheme) SchemeType() string { return SecuritySchemeOpenIDConnect }

// MutualTLSSecurityScheme authenticates with a TLS client certificate
type MutualTLSSecurityScheme struct {
	Type        string  `json:"type"`
	Description *string `json:"description,omitempty"`
}

// SchemeType returns the wire discriminator of the concrete variant
func (s MutualTLSSecurityScheme) SchemeType() string { return SecuritySchemeMutualTLS }

// securitySchemeDiscriminator is the minimal shape needed to select a variant
type securitySchemeDiscriminator struct {
	Type string `json:"type"`
}

// UnmarshalSecurityScheme decodes a single SecurityScheme, dispatching on the
// "type" discriminator.
func UnmarshalSecurityScheme(data []byte) (SecurityScheme, error) {
	var disc securitySchemeDiscriminator
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, fmt.Errorf("failed to read security scheme discriminator: %w", err)
	}

	switch disc.Type {
	case SecuritySchemeAPIKey:
		var s APIKeySecurityScheme
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal apiKey security scheme: %w", err)
		}
		return s, nil
	case SecuritySchemeHTTP:
		var s HTTPAuthSecurityScheme
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal http security scheme: %w", err)
		}
		return s, nil
	case SecuritySchemeOAuth2:
		var s OAuth2SecurityScheme
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal oauth2 security scheme: %w", err)
		}
		return s, nil
	case SecuritySchemeOpenIDConnect:
		var s OpenIDConnectSecurityScheme
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal openIdConnect security scheme: %w", err)
		}
		return s, nil
	case SecuritySchemeMutualTLS:
		var s MutualTLSSecurityScheme
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mutualTLS security scheme: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported security scheme type: %q", disc.Type)
	}
}

// AgentCard is the agent's self-description served from the well-known
// endpoint.
type AgentCard struct {
	Name                              string                    `json:"name"`
	Description                       string                    `json:"description"`
	URL                               string                    `json:"url"`
	Version                           string                    `json:"version"`
	ProtocolVersion                   string                    `json:"protocolVersion"`
	Capabilities                      AgentCapabilities         `json:"capabilities"`
	DefaultInputModes                 []string                  `json:"defaultInputModes"`
	DefaultOutputModes                []string                  `json:"defaultOutputModes"`
	Skills                            []AgentSkill              `json:"skills"`
	Provider                          *AgentProvider            `json:"provider,omitempty"`
	DocumentationURL                  *string                   `json:"documentationUrl,omitempty"`
	IconURL                           *string                   `json:"iconUrl,omitempty"`
	PreferredTransport                *string                   `json:"preferredTransport,omitempty"`
	AdditionalInterfaces              []AgentInterface          `json:"additionalInterfaces,omitempty"`
	SecuritySchemes                   map[string]SecurityScheme `json:"securitySchemes,omitempty"`
	Security                          []map[string][]string     `json:"security,omitempty"`
	SupportsAuthenticatedExtendedCard *bool                     `json:"supportsAuthenticatedExtendedCard,omitempty"`
}

// agentCardAlias mirrors AgentCard with raw security schemes for factory
// dispatch
type agentCardAlias struct {
	Name                              string                     `json:"name"`
	Description                       string                     `json:"description"`
	URL                               string                     `json:"url"`
	Version                           string                     `json:"version"`
	ProtocolVersion                   string                     `json:"protocolVersion"`
	Capabilities                      AgentCapabilities          `json:"capabilities"`
	DefaultInputModes                 []string                   `json:"defaultInputModes"`
	DefaultOutputModes                []string                   `json:"defaultOutputModes"`
	Skills                            []AgentSkill               `json:"skills"`
	Provider                          *AgentProvider             `json:"provider,omitempty"`
	DocumentationURL                  *string                    `json:"documentationUrl,omitempty"`
	IconURL                           *string                    `json:"iconUrl,omitempty"`
	PreferredTransport                *string                    `json:"preferredTransport,omitempty"`
	AdditionalInterfaces              []AgentInterface           `json:"additionalInterfaces,omitempty"`
	SecuritySchemes                   map[string]json.RawMessage `json:"securitySchemes,omitempty"`
	Security                          []map[string][]string      `json:"security,omitempty"`
	SupportsAuthenticatedExtendedCard *bool                      `json:"supportsAuthenticatedExtendedCard,omitempty"`
}

// UnmarshalJSON decodes an AgentCard, dispatching each security scheme
// through UnmarshalSecurityScheme.
func (c *AgentCard) UnmarshalJSON(data []byte) error {
	var alias agentCardAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var schemes map[string]SecurityScheme
	if len(alias.SecuritySchemes) > 0 {
		schemes = make(map[string]SecurityScheme, len(alias.SecuritySchemes))
		for name, raw := range alias.SecuritySchemes {
			scheme, err := UnmarshalSecurityScheme(raw)
			if err != nil {
				return fmt.Errorf("failed to unmarshal security scheme %q: %w", name, err)
			}
			schemes[name] = scheme
		}
	}

	c.Name = alias.Name
	c.Description = alias.Description
	c.URL = alias.URL
	c.Version = alias.Version
	c.ProtocolVersion = alias.ProtocolVersion
	c.Capabilities = alias.Capabilities
	c.DefaultInputModes = alias.DefaultInputModes
	c.DefaultOutputModes = alias.DefaultOutputModes
	c.Skills = alias.Skills
	c.Provider = alias.Provider
	c.DocumentationURL = alias.DocumentationURL
	c.IconURL = alias.IconURL
	c.PreferredTransport = alias.PreferredTransport
	c.AdditionalInterfaces = alias.AdditionalInterfaces
	c.SecuritySchemes = schemes
	c.Security = alias.Security
	c.SupportsAuthenticatedExtendedCard = alias.SupportsAuthenticatedExtendedCard

	return nil
}

// BoolPtr returns a pointer to the given bool
func BoolPtr(b bool) *bool { return &b }

// StringPtr returns a pointer to the given string
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to the given int
func IntPtr(i int) *int { return &i }

// Float64Ptr returns a pointer to the given float64
func Float64Ptr(f float64) *float64 { return &f }
