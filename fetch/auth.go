package fetch

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// StaticToken sends apiKey as a bearer token on every request
func StaticToken(apiKey string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"})
}

// ClientCredentials fetches and refreshes tokens with the OAuth2 client
// credentials grant. ctx scopes the token requests, not individual calls.
func ClientCredentials(ctx context.Context, clientID, clientSecret, tokenURL string, scopes ...string) oauth2.TokenSource {
	conf := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return conf.TokenSource(ctx)
}
