// Package oidc implements the client side of OpenID Connect and OAuth2
// flows for public clients: the authorization code flow with PKCE, the
// implicit flow, the resource-owner password grant and custom grants,
// together with the full token lifecycle around them.
//
// The central type is the Engine. It loads and validates the provider's
// discovery document, builds authorization-request urls, interprets
// redirect responses, validates received id_tokens against the provider's
// key set, persists the token bundle in a pluggable Storage, raises
// token_expires signals through expiry timers, refreshes tokens silently
// (refresh_token grant or hidden-frame refresh), polls the provider's
// check-session frame for session changes and handles logout including
// token revocation.
//
// Host-environment capabilities (navigation, hidden frames, popups,
// cross-tab storage events) are abstracted behind the Platform interface;
// without one the Engine still supports discovery, token exchange,
// validation and refresh-token refreshes.
//
// Everything the Engine does is observable through its event stream, see
// Engine.Events.
package oidc
