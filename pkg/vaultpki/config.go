package vaultpki

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthMethodType specifies the Vault authentication method.
type AuthMethodType string

// Authentication method constants.
const (
	// AuthMethodToken uses direct token authentication.
	AuthMethodToken AuthMethodType = "token"

	// AuthMethodUserpass uses username/password authentication.
	AuthMethodUserpass AuthMethodType = "userpass"

	// AuthMethodAppRole uses AppRole authentication with RoleID and SecretID.
	AuthMethodAppRole AuthMethodType = "approle"

	// AuthMethodKubernetes uses Kubernetes ServiceAccount JWT authentication.
	AuthMethodKubernetes AuthMethodType = "kubernetes"
)

// String returns the string representation of the auth method.
func (m AuthMethodType) String() string {
	return string(m)
}

// IsValid returns true if the auth method is valid.
func (m AuthMethodType) IsValid() bool {
	switch m {
	case AuthMethodToken, AuthMethodUserpass, AuthMethodAppRole, AuthMethodKubernetes:
		return true
	default:
		return false
	}
}

// Config represents Vault client configuration.
type Config struct {
	// Address is the Vault server address.
	Address string `yaml:"address" json:"address"`

	// Namespace is the Vault namespace (Enterprise feature).
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// AuthMethod specifies the authentication method.
	AuthMethod AuthMethodType `yaml:"authMethod" json:"authMethod"`

	// Token for token authentication.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// Userpass auth configuration.
	Userpass *UserpassAuthConfig `yaml:"userpass,omitempty" json:"userpass,omitempty"`

	// AppRole auth configuration.
	AppRole *AppRoleAuthConfig `yaml:"appRole,omitempty" json:"appRole,omitempty"`

	// Kubernetes auth configuration.
	Kubernetes *KubernetesAuthConfig `yaml:"kubernetes,omitempty" json:"kubernetes,omitempty"`

	// TLS configuration for the Vault connection.
	TLS *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// Timeout is the per-request timeout.
	// Defaults to 30 seconds.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retry configuration.
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// UserpassAuthConfig configures username/password authentication.
type UserpassAuthConfig struct {
	// Username is the Vault username.
	Username string `yaml:"username" json:"username"`

	// Password is the Vault password.
	Password string `yaml:"password" json:"password"`

	// MountPath is the mount path for the userpass auth method.
	// Defaults to "userpass".
	MountPath string `yaml:"mountPath,omitempty" json:"mountPath,omitempty"`
}

// AppRoleAuthConfig configures AppRole authentication.
type AppRoleAuthConfig struct {
	// RoleID is the AppRole role ID.
	RoleID string `yaml:"roleId" json:"roleId"`

	// SecretID is the AppRole secret ID.
	SecretID string `yaml:"secretId" json:"secretId"`

	// MountPath is the mount path for the AppRole auth method.
	// Defaults to "approle".
	MountPath string `yaml:"mountPath,omitempty" json:"mountPath,omitempty"`
}

// KubernetesAuthConfig configures Kubernetes authentication.
type KubernetesAuthConfig struct {
	// Role is the Vault role to authenticate as.
	Role string `yaml:"role" json:"role"`

	// MountPath is the mount path for the Kubernetes auth method.
	// Defaults to "kubernetes".
	MountPath string `yaml:"mountPath,omitempty" json:"mountPath,omitempty"`

	// TokenPath is the path to the ServiceAccount token file.
	// Defaults to "/var/run/secrets/kubernetes.io/serviceaccount/token".
	TokenPath string `yaml:"tokenPath,omitempty" json:"tokenPath,omitempty"`
}

// TLSConfig configures TLS for the Vault connection.
type TLSConfig struct {
	// CACert is the path to the CA certificate file.
	CACert string `yaml:"caCert,omitempty" json:"caCert,omitempty"`

	// CAPath is the path to a directory of CA certificates.
	CAPath string `yaml:"caPath,omitempty" json:"caPath,omitempty"`

	// ClientCert is the path to the client certificate file.
	ClientCert string `yaml:"clientCert,omitempty" json:"clientCert,omitempty"`

	// ClientKey is the path to the client private key file.
	ClientKey string `yaml:"clientKey,omitempty" json:"clientKey,omitempty"`

	// ServerName overrides the TLS server name.
	ServerName string `yaml:"serverName,omitempty" json:"serverName,omitempty"`

	// SkipVerify skips TLS certificate verification (insecure).
	SkipVerify bool `yaml:"skipVerify,omitempty" json:"skipVerify,omitempty"`
}

// RetryConfig configures retry behavior for transient transport errors.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Defaults to 3.
	MaxRetries int `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`

	// BackoffBase is the base duration for exponential backoff.
	// Defaults to 100ms.
	BackoffBase time.Duration `yaml:"backoffBase,omitempty" json:"backoffBase,omitempty"`

	// BackoffMax is the maximum backoff duration.
	// Defaults to 5 seconds.
	BackoffMax time.Duration `yaml:"backoffMax,omitempty" json:"backoffMax,omitempty"`
}

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 30 * time.Second

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		AuthMethod: AuthMethodToken,
		Timeout:    DefaultTimeout,
		Retry:      DefaultRetryConfig(),
	}
}

// DefaultRetryConfig returns a RetryConfig with default values.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:  3,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  5 * time.Second,
	}
}

// UnmarshalYAML decodes the configuration, accepting duration fields in Go
// duration syntax ("30s", "1m30s"). Fields absent from the document keep
// their current values, so unmarshalling over DefaultConfig overlays it.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Address    string                `yaml:"address"`
		Namespace  string                `yaml:"namespace"`
		AuthMethod AuthMethodType        `yaml:"authMethod"`
		Token      string                `yaml:"token"`
		Userpass   *UserpassAuthConfig   `yaml:"userpass"`
		AppRole    *AppRoleAuthConfig    `yaml:"appRole"`
		Kubernetes *KubernetesAuthConfig `yaml:"kubernetes"`
		TLS        *TLSConfig            `yaml:"tls"`
		Timeout    string                `yaml:"timeout"`
		Retry      *RetryConfig          `yaml:"retry"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Address != "" {
		c.Address = raw.Address
	}
	if raw.Namespace != "" {
		c.Namespace = raw.Namespace
	}
	if raw.AuthMethod != "" {
		c.AuthMethod = raw.AuthMethod
	}
	if raw.Token != "" {
		c.Token = raw.Token
	}
	if raw.Userpass != nil {
		c.Userpass = raw.Userpass
	}
	if raw.AppRole != nil {
		c.AppRole = raw.AppRole
	}
	if raw.Kubernetes != nil {
		c.Kubernetes = raw.Kubernetes
	}
	if raw.TLS != nil {
		c.TLS = raw.TLS
	}
	if raw.Retry != nil {
		c.Retry = raw.Retry
	}
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return newConfigError("timeout", fmt.Sprintf("invalid duration: %v", err))
		}
		c.Timeout = d
	}

	return nil
}

// UnmarshalYAML decodes the retry configuration, accepting backoff durations
// in Go duration syntax.
func (c *RetryConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRetries  int    `yaml:"maxRetries"`
		BackoffBase string `yaml:"backoffBase"`
		BackoffMax  string `yaml:"backoffMax"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.MaxRetries = raw.MaxRetries
	if raw.BackoffBase != "" {
		d, err := time.ParseDuration(raw.BackoffBase)
		if err != nil {
			return newConfigError("retry.backoffBase", fmt.Sprintf("invalid duration: %v", err))
		}
		c.BackoffBase = d
	}
	if raw.BackoffMax != "" {
		d, err := time.ParseDuration(raw.BackoffMax)
		if err != nil {
			return newConfigError("retry.backoffMax", fmt.Sprintf("invalid duration: %v", err))
		}
		c.BackoffMax = d
	}

	return nil
}

// Validate validates the client configuration.
func (c *Config) Validate() error {
	if c == nil {
		return newConfigError("", "configuration is nil")
	}

	if c.Address == "" {
		return newConfigError("address", "vault address is required")
	}

	if !c.AuthMethod.IsValid() {
		return newConfigError("authMethod", fmt.Sprintf("invalid auth method: %s", c.AuthMethod))
	}

	if err := c.validateAuthMethodConfig(); err != nil {
		return err
	}

	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return err
		}
	}

	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			return err
		}
	}

	if c.Timeout < 0 {
		return newConfigError("timeout", "timeout cannot be negative")
	}

	return nil
}

// validateAuthMethodConfig validates auth method specific configuration.
func (c *Config) validateAuthMethodConfig() error {
	switch c.AuthMethod {
	case AuthMethodToken:
		if c.Token == "" {
			return newConfigError("token", "token is required for token authentication")
		}
	case AuthMethodUserpass:
		if c.Userpass == nil {
			return newConfigError("userpass", "userpass configuration is required for userpass authentication")
		}
		if c.Userpass.Username == "" {
			return newConfigError("userpass.username", "username is required for userpass authentication")
		}
		if c.Userpass.Password == "" {
			return newConfigError("userpass.password", "password is required for userpass authentication")
		}
	case AuthMethodAppRole:
		if c.AppRole == nil {
			return newConfigError("appRole", "appRole configuration is required for approle authentication")
		}
		if c.AppRole.RoleID == "" {
			return newConfigError("appRole.roleId", "roleId is required for approle authentication")
		}
		if c.AppRole.SecretID == "" {
			return newConfigError("appRole.secretId", "secretId is required for approle authentication")
		}
	case AuthMethodKubernetes:
		if c.Kubernetes == nil {
			return newConfigError("kubernetes", "kubernetes configuration is required for kubernetes authentication")
		}
		if c.Kubernetes.Role == "" {
			return newConfigError("kubernetes.role", "role is required for kubernetes authentication")
		}
	}
	return nil
}

// Validate validates the TLS configuration.
func (c *TLSConfig) Validate() error {
	if c == nil {
		return nil
	}

	// Client cert and key travel together
	if c.ClientCert != "" && c.ClientKey == "" {
		return newConfigError("tls.clientKey", "client key is required when client cert is provided")
	}
	if c.ClientKey != "" && c.ClientCert == "" {
		return newConfigError("tls.clientCert", "client cert is required when client key is provided")
	}

	return nil
}

// Validate validates the retry configuration.
func (c *RetryConfig) Validate() error {
	if c == nil {
		return nil
	}

	if c.MaxRetries < 0 {
		return newConfigError("retry.maxRetries", "maxRetries cannot be negative")
	}
	if c.BackoffBase < 0 {
		return newConfigError("retry.backoffBase", "backoffBase cannot be negative")
	}
	if c.BackoffMax < 0 {
		return newConfigError("retry.backoffMax", "backoffMax cannot be negative")
	}
	if c.BackoffBase > 0 && c.BackoffMax > 0 && c.BackoffBase > c.BackoffMax {
		return newConfigError("retry.backoffBase", "backoffBase cannot be greater than backoffMax")
	}

	return nil
}

// GetTimeout returns the effective request timeout.
func (c *Config) GetTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// GetMountPath returns the effective mount path for userpass auth.
func (c *UserpassAuthConfig) GetMountPath() string {
	if c.MountPath != "" {
		return c.MountPath
	}
	return "userpass"
}

// GetMountPath returns the effective mount path for AppRole auth.
func (c *AppRoleAuthConfig) GetMountPath() string {
	if c.MountPath != "" {
		return c.MountPath
	}
	return "approle"
}

// GetMountPath returns the effective mount path for Kubernetes auth.
func (c *KubernetesAuthConfig) GetMountPath() string {
	if c.MountPath != "" {
		return c.MountPath
	}
	return "kubernetes"
}

// GetTokenPath returns the effective token path for Kubernetes auth.
func (c *KubernetesAuthConfig) GetTokenPath() string {
	if c.TokenPath != "" {
		return c.TokenPath
	}
	return "/var/run/secrets/kubernetes.io/serviceaccount/token"
}

// GetMaxRetries returns the effective max retries.
func (c *RetryConfig) GetMaxRetries() int {
	if c != nil && c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 3
}

// GetBackoffBase returns the effective backoff base duration.
func (c *RetryConfig) GetBackoffBase() time.Duration {
	if c != nil && c.BackoffBase > 0 {
		return c.BackoffBase
	}
	return 100 * time.Millisecond
}

// GetBackoffMax returns the effective backoff max duration.
func (c *RetryConfig) GetBackoffMax() time.Duration {
	if c != nil && c.BackoffMax > 0 {
		return c.BackoffMax
	}
	return 5 * time.Second
}

// Clone creates a deep copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}

	clone := &Config{
		Address:    c.Address,
		Namespace:  c.Namespace,
		AuthMethod: c.AuthMethod,
		Token:      c.Token,
		Timeout:    c.Timeout,
	}

	if c.Userpass != nil {
		up := *c.Userpass
		clone.Userpass = &up
	}

	if c.AppRole != nil {
		ar := *c.AppRole
		clone.AppRole = &ar
	}

	if c.Kubernetes != nil {
		k := *c.Kubernetes
		clone.Kubernetes = &k
	}

	if c.TLS != nil {
		t := *c.TLS
		clone.TLS = &t
	}

	if c.Retry != nil {
		r := *c.Retry
		clone.Retry = &r
	}

	return clone
}
