// Package config loads the broker's configuration tree. Parsing the on-disk
// file format and CLI wiring are out of scope for this module; what lives
// here is the struct shape that the Secret Resolver walks and the
// environment-driven HTTPS-relaxation switch that several components
// consult.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Env is the runtime environment. development and test relax the HTTPS
// requirement for IDP, JWKS, and token-exchange endpoints; production
// enforces it.
type Env string

const (
	EnvDevelopment Env = "development"
	EnvTest        Env = "test"
	EnvProduction  Env = "production"
)

// RequireHTTPS reports whether e mandates HTTPS for outbound/inbound
// endpoint URLs.
func (e Env) RequireHTTPS() bool {
	return e == EnvProduction || e == ""
}

// Config is the root configuration tree. Secret descriptors of the form
// {"$secret": "NAME"} may appear at any string-valued field below and are
// resolved in place by pkg/secrets before this struct is considered ready
// for use.
type Config struct {
	Env        Env              `mapstructure:"env"`
	ServerPort int              `mapstructure:"server_port"`
	ServerURL  string           `mapstructure:"server_url"`
	ServerName string           `mapstructure:"server_name"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Delegation DelegationConfig `mapstructure:"delegation"`
	OAuthRedirect *OAuthRedirectConfig `mapstructure:"oauth_redirect"`
	Audit      AuditConfig      `mapstructure:"audit"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig controls the OpenTelemetry tracer installed at startup.
// OTLPEndpoint empty disables span export entirely: spans are still created
// (so code paths that depend on a span in context behave identically) but
// never leave the process.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// AuthConfig holds the set of trusted identity providers.
type AuthConfig struct {
	TrustedIDPs []IDPConfig `mapstructure:"trusted_idps"`
}

// IDPConfig describes one trusted identity provider.
type IDPConfig struct {
	Issuer         string            `mapstructure:"issuer"`
	JWKSURI        string            `mapstructure:"jwks_uri"`
	Audience       string            `mapstructure:"audience"`
	Algorithms     []string          `mapstructure:"algorithms"`
	ClaimMappings  map[string]string `mapstructure:"claim_mappings"`
	ClockTolerance int               `mapstructure:"clock_tolerance_seconds"`
	MaxTokenAge    int               `mapstructure:"max_token_age_seconds"`
	RequireNbf     bool              `mapstructure:"require_nbf"`
	RoleMapping    RoleMappingConfig `mapstructure:"role_mapping"`
}

// RoleMappingConfig is the ordered-bucket configuration consumed by
// pkg/auth/rolemap.
type RoleMappingConfig struct {
	AdminRoles  []string `mapstructure:"admin_roles"`
	UserRoles   []string `mapstructure:"user_roles"`
	GuestRoles  []string `mapstructure:"guest_roles"`
	DefaultRole string   `mapstructure:"default_role"`
	CELExpr     string   `mapstructure:"cel_expr"`
}

// DelegationConfig configures the delegation registry and its modules.
type DelegationConfig struct {
	DefaultToolPrefix string                        `mapstructure:"default_tool_prefix"`
	Modules           map[string]DelegationModuleConfig `mapstructure:"modules"`
}

// DelegationModuleConfig is the per-module configuration, including the
// optional token-exchange configuration used to resolve a legacy identity.
type DelegationModuleConfig struct {
	Type          string               `mapstructure:"type"`
	TokenExchange *TokenExchangeConfig `mapstructure:"token_exchange"`
	ConnectionURL string               `mapstructure:"connection_url"`
	PoolMin       int                  `mapstructure:"pool_min"`
	PoolMax       int                  `mapstructure:"pool_max"`
	IdleTimeoutMS int                  `mapstructure:"idle_timeout_ms"`
}

// TokenExchangeConfig configures a single delegation module's RFC 8693 exchange.
type TokenExchangeConfig struct {
	IDPName          string     `mapstructure:"idp_name"`
	TokenEndpoint    string     `mapstructure:"token_endpoint"`
	ClientID         string     `mapstructure:"client_id"`
	ClientSecret     string     `mapstructure:"client_secret"`
	Audience         string     `mapstructure:"audience"`
	Resource         string     `mapstructure:"resource"`
	Scope            string     `mapstructure:"scope"`
	SubjectTokenType string     `mapstructure:"subject_token_type"`
	RequiredClaim    string     `mapstructure:"required_claim"`
	RolesClaim       string     `mapstructure:"roles_claim"`
	Cache            *CacheConfig `mapstructure:"cache"`
}

// CacheConfig is the per-module encrypted-token-cache policy.
type CacheConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	TTLSeconds           int  `mapstructure:"ttl_seconds"`
	SessionTimeoutMS     int  `mapstructure:"session_timeout_ms"`
	MaxEntriesPerSession int  `mapstructure:"max_entries_per_session"`
	MaxTotalEntries      int  `mapstructure:"max_total_entries"`
}

// OAuthRedirectConfig configures the PKCE redirect handler (component J).
type OAuthRedirectConfig struct {
	IDPName           string   `mapstructure:"idp_name"`
	AuthorizeEndpoint string   `mapstructure:"authorize_endpoint"`
	TokenEndpoint     string   `mapstructure:"token_endpoint"`
	ClientID          string   `mapstructure:"client_id"`
	ClientSecret      string   `mapstructure:"client_secret"`
	RedirectAllowlist []string `mapstructure:"redirect_allowlist"`
	DefaultScopes     []string `mapstructure:"default_scopes"`
	SessionTTLSeconds int      `mapstructure:"session_ttl_seconds"`
}

// AuditConfig toggles the audit pipeline.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Output  string `mapstructure:"output"`
}

// RateLimitingConfig is a pass-through struct for a transport to consume;
// rate limiting itself lives in the transport shell, not in this module.
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

// Load reads configuration from the file at path (if non-empty) layered
// under environment variables and broker-specific defaults, and unmarshals
// it into a Config. It does not resolve secret descriptors; call
// pkg/secrets.Resolve on the result before using it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BROKER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Env == "" {
		cfg.Env = Env(strings.ToLower(v.GetString("env")))
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", string(EnvProduction))
	v.SetDefault("server_port", 8443)
	v.SetDefault("server_name", "authbroker")
	v.SetDefault("delegation.default_tool_prefix", "db")
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.output", "stdout")
}

// Validate performs the minimal structural validation the broker needs
// before wiring components; deeper per-component validation (e.g. an IDP's
// algorithm set) lives with the owning component.
func (c *Config) Validate() error {
	if len(c.Auth.TrustedIDPs) == 0 {
		return fmt.Errorf("config: at least one trusted IDP is required")
	}
	for _, idp := range c.Auth.TrustedIDPs {
		if idp.Issuer == "" {
			return fmt.Errorf("config: trusted IDP missing issuer")
		}
		if idp.JWKSURI == "" {
			return fmt.Errorf("config: trusted IDP %s missing jwks_uri", idp.Issuer)
		}
	}
	return nil
}
