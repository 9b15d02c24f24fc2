// Package idp implements the OAuth 2.0 / OIDC provider surface.
//
// It isolates redirect/state/token choreography from the chat transport so
// relying parties see a standard authorization server even though the user
// approval step happens over chat.
package idp
