package oidc

import (
	"net/http"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type.
type Option func(interface{})

// ApplyOpts takes a pointer to an options struct holding defaults and
// applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// engineOptions is the set of available options for NewEngine.
type engineOptions struct {
	withLogger            hclog.Logger
	withStorage           Storage
	withNonceStorage      Storage
	withClock             Clock
	withHashHandler       HashHandler
	withValidationHandler ValidationHandler
	withPlatform          Platform
	withHTTPClient        *http.Client
}

func engineDefaults() engineOptions {
	return engineOptions{}
}

func getEngineOpts(opt ...Option) engineOptions {
	opts := engineDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides a logger for the Engine.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok {
			o.withLogger = l
		}
	}
}

// WithStorage provides the key/value store tokens are persisted into.
// Default is an in-process MemoryStorage.
func WithStorage(s Storage) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok {
			o.withStorage = s
		}
	}
}

// WithNonceStorage provides a separate redirect-surviving store for the
// nonce and PKCE verifier. Only consulted when the configuration sets
// UseRedirectSurvivingStorage.
func WithNonceStorage(s Storage) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok {
			o.withNonceStorage = s
		}
	}
}

// WithClock provides a time source, mainly for tests.
func WithClock(c Clock) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok {
			o.withClock = c
		}
	}
}

// WithHashHandler provides the digest function used for PKCE challenges.
func WithHashHandler(h HashHandler) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok {
			o.withHashHandler = h
		}
	}
}

// WithValidationHandler provides the token-signature validator. Passing
// nil explicitly is valid and skips signature/at_hash checks with a
// warning.
func WithValidationHandler(v ValidationHandler) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok {
			o.withValidationHandler = v
		}
	}
}

// WithPlatform provides the host capability bundle (navigation, frames,
// popups).
func WithPlatform(p Platform) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok {
			o.withPlatform = p
		}
	}
}

// WithHTTPClient overrides the HTTP client used for IdP requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok {
			o.withHTTPClient = c
		}
	}
}

// TokenParams is handed to the OnTokenReceived hook after a successful
// login.
type TokenParams struct {
	IdClaims    map[string]interface{}
	IdToken     string
	AccessToken string
	State       string
}

// LoginOptions controls TryLogin and its flow-specific variants.
type LoginOptions struct {
	// OnTokenReceived is invoked after a successful implicit-flow login.
	OnTokenReceived func(TokenParams)

	// ExtraValidationHandler runs after the standard id_token validation
	// during implicit login.
	ExtraValidationHandler func(params *ValidationParams) error

	// OnLoginError is invoked with the raw response parts when the IdP
	// returned an error.
	OnLoginError func(parts map[string]string)

	// CustomHashFragment processes the given fragment instead of the
	// platform location. Used by silent refresh and popup delivery.
	CustomHashFragment string

	// DisableOAuth2StateCheck skips the state/nonce comparison.
	DisableOAuth2StateCheck bool

	// DisableNonceCheck skips nonce validation entirely.
	DisableNonceCheck bool

	// PreventClearHashAfterLogin leaves the location untouched after
	// login, regardless of ClearHashAfterLogin.
	PreventClearHashAfterLogin bool

	// CustomRedirectUri overrides the configured redirect uri for the
	// code exchange.
	CustomRedirectUri string
}

// logOutOptions is the set of available options for LogOut.
type logOutOptions struct {
	withNoRedirect   bool
	withCustomParams map[string]string
	withState        string
}

func getLogOutOpts(opt ...Option) logOutOptions {
	opts := logOutOptions{}
	ApplyOpts(&opts, opt...)
	return opts
}

// WithNoRedirectToLogoutUrl clears the session without navigating to the
// logout url.
func WithNoRedirectToLogoutUrl() Option {
	return func(o interface{}) {
		if o, ok := o.(*logOutOptions); ok {
			o.withNoRedirect = true
		}
	}
}

// WithLogoutParams appends custom parameters to the logout url.
func WithLogoutParams(params map[string]string) Option {
	return func(o interface{}) {
		if o, ok := o.(*logOutOptions); ok {
			o.withCustomParams = params
		}
	}
}

// WithLogoutState passes a state parameter through the logout redirect.
func WithLogoutState(state string) Option {
	return func(o interface{}) {
		if o, ok := o.(*logOutOptions); ok {
			o.withState = state
		}
	}
}
