package vaultpki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// AuthMethod supplies a valid bearer token to the transport client.
// Implementations perform one login round-trip and return the auth secret;
// the client owns storing the token and scheduling renewal.
type AuthMethod interface {
	// Login authenticates with Vault and returns the auth secret.
	Login(ctx context.Context, client *vaultapi.Client) (*vaultapi.Secret, error)

	// Name returns the name of the authentication method.
	Name() string
}

// TokenAuth implements direct token authentication.
type TokenAuth struct {
	token string
}

// NewTokenAuth creates a new token authentication method.
func NewTokenAuth(token string) (*TokenAuth, error) {
	if token == "" {
		return nil, newConfigError("token", "token is required")
	}
	return &TokenAuth{token: token}, nil
}

// Login implements AuthMethod.
func (a *TokenAuth) Login(ctx context.Context, client *vaultapi.Client) (*vaultapi.Secret, error) {
	client.SetToken(a.token)

	// Verify the token by looking up self
	secret, err := client.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		return nil, classify("login", "auth/token/lookup-self", err)
	}

	authSecret := &vaultapi.Secret{
		Auth: &vaultapi.SecretAuth{
			ClientToken: a.token,
			Renewable:   false,
		},
	}

	if secret != nil && secret.Data != nil {
		// The lookup endpoint returns TTL as json.Number or float64
		switch ttl := secret.Data["ttl"].(type) {
		case float64:
			authSecret.Auth.LeaseDuration = int(ttl)
		case json.Number:
			if v, err := ttl.Int64(); err == nil {
				authSecret.Auth.LeaseDuration = int(v)
			}
		}

		if renewable, ok := secret.Data["renewable"].(bool); ok {
			authSecret.Auth.Renewable = renewable
		}
	}

	return authSecret, nil
}

// Name implements AuthMethod.
func (a *TokenAuth) Name() string {
	return "token"
}

// UserpassAuth implements username/password authentication.
type UserpassAuth struct {
	username  string
	password  string
	mountPath string
}

// NewUserpassAuth creates a new username/password authentication method.
func NewUserpassAuth(username, password, mountPath string) (*UserpassAuth, error) {
	if username == "" {
		return nil, newConfigError("userpass.username", "username is required")
	}
	if password == "" {
		return nil, newConfigError("userpass.password", "password is required")
	}
	if mountPath == "" {
		mountPath = "userpass"
	}

	return &UserpassAuth{
		username:  username,
		password:  password,
		mountPath: mountPath,
	}, nil
}

// Login implements AuthMethod.
func (a *UserpassAuth) Login(ctx context.Context, client *vaultapi.Client) (*vaultapi.Secret, error) {
	// Reject usernames that would escape the login path
	if strings.Contains(a.username, "..") || strings.Contains(a.username, "/") {
		return nil, newValidationError("login", "invalid username")
	}

	path := fmt.Sprintf("auth/%s/login/%s", a.mountPath, url.PathEscape(a.username))
	data := map[string]interface{}{
		"password": a.password,
	}

	secret, err := client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, classify("login", path, err)
	}

	return secret, nil
}

// Name implements AuthMethod.
func (a *UserpassAuth) Name() string {
	return "userpass"
}

// AppRoleAuth implements AppRole authentication.
type AppRoleAuth struct {
	roleID    string
	secretID  string
	mountPath string
}

// NewAppRoleAuth creates a new AppRole authentication method.
func NewAppRoleAuth(roleID, secretID, mountPath string) (*AppRoleAuth, error) {
	if roleID == "" {
		return nil, newConfigError("appRole.roleId", "roleId is required")
	}
	if secretID == "" {
		return nil, newConfigError("appRole.secretId", "secretId is required")
	}
	if mountPath == "" {
		mountPath = "approle"
	}

	return &AppRoleAuth{
		roleID:    roleID,
		secretID:  secretID,
		mountPath: mountPath,
	}, nil
}

// Login implements AuthMethod.
func (a *AppRoleAuth) Login(ctx context.Context, client *vaultapi.Client) (*vaultapi.Secret, error) {
	path := fmt.Sprintf("auth/%s/login", a.mountPath)
	data := map[string]interface{}{
		"role_id":   a.roleID,
		"secret_id": a.secretID,
	}

	secret, err := client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, classify("login", path, err)
	}

	return secret, nil
}

// Name implements AuthMethod.
func (a *AppRoleAuth) Name() string {
	return "approle"
}

// KubernetesAuth implements Kubernetes ServiceAccount JWT authentication.
type KubernetesAuth struct {
	role      string
	tokenPath string
	mountPath string
}

// NewKubernetesAuth creates a new Kubernetes authentication method.
func NewKubernetesAuth(role, mountPath, tokenPath string) (*KubernetesAuth, error) {
	if role == "" {
		return nil, newConfigError("kubernetes.role", "role is required")
	}
	if mountPath == "" {
		mountPath = "kubernetes"
	}
	if tokenPath == "" {
		tokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	}

	return &KubernetesAuth{
		role:      role,
		tokenPath: tokenPath,
		mountPath: mountPath,
	}, nil
}

// Login implements AuthMethod.
func (a *KubernetesAuth) Login(ctx context.Context, client *vaultapi.Client) (*vaultapi.Secret, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	jwt, err := os.ReadFile(a.tokenPath)
	if err != nil {
		return nil, newOpError("login", a.tokenPath, fmt.Errorf("failed to read service account token: %w", err))
	}

	path := fmt.Sprintf("auth/%s/login", a.mountPath)
	data := map[string]interface{}{
		"role": a.role,
		"jwt":  string(jwt),
	}

	secret, err := client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, classify("login", path, err)
	}

	return secret, nil
}

// Name implements AuthMethod.
func (a *KubernetesAuth) Name() string {
	return "kubernetes"
}

// authMethodFromConfig builds the AuthMethod selected by the configuration.
func authMethodFromConfig(cfg *Config) (AuthMethod, error) {
	switch cfg.AuthMethod {
	case AuthMethodToken:
		token := cfg.Token
		if token == "" {
			token = os.Getenv("VAULT_TOKEN")
		}
		return NewTokenAuth(token)
	case AuthMethodUserpass:
		return NewUserpassAuth(cfg.Userpass.Username, cfg.Userpass.Password, cfg.Userpass.GetMountPath())
	case AuthMethodAppRole:
		return NewAppRoleAuth(cfg.AppRole.RoleID, cfg.AppRole.SecretID, cfg.AppRole.GetMountPath())
	case AuthMethodKubernetes:
		return NewKubernetesAuth(cfg.Kubernetes.Role, cfg.Kubernetes.GetMountPath(), cfg.Kubernetes.GetTokenPath())
	default:
		return nil, newConfigError("authMethod", "unsupported auth method: "+string(cfg.AuthMethod))
	}
}

// Ensure implementations satisfy the interface.
var (
	_ AuthMethod = (*TokenAuth)(nil)
	_ AuthMethod = (*UserpassAuth)(nil)
	_ AuthMethod = (*AppRoleAuth)(nil)
	_ AuthMethod = (*KubernetesAuth)(nil)
)
