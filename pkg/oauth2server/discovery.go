package oauth2server

import (
	"encoding/json"
	"net/http"
)

// Metadata is the RFC 8414 authorization server metadata document served at
// /.well-known/oauth-authorization-server.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported               []string `json:"scopes_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// BuildMetadata renders the discovery document for cfg.
func BuildMetadata(cfg Config) Metadata {
	return Metadata{
		Issuer:                        cfg.Issuer,
		AuthorizationEndpoint:         cfg.authorizationEndpoint(),
		TokenEndpoint:                 cfg.tokenEndpoint(),
		RegistrationEndpoint:          cfg.registrationEndpoint(),
		JWKSURI:                       cfg.jwksURI(),
		GrantTypesSupported:           SupportedGrantTypes,
		ResponseTypesSupported:        SupportedResponseTypes,
		TokenEndpointAuthMethods:      SupportedTokenEndpointAuth,
		ScopesSupported:               SupportedScopes,
		CodeChallengeMethodsSupported: SupportedCodeChallengeMethods,
	}
}

// DiscoveryHandler serves the RFC 8414 metadata document.
func DiscoveryHandler(cfg Config) http.HandlerFunc {
	metadata := BuildMetadata(cfg)
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metadata)
	}
}
