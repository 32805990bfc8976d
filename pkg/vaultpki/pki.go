package vaultpki

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RootCAType selects where the root CA private key lives.
type RootCAType string

// Root CA generation types.
const (
	// RootCAInternal keeps the generated key inside Vault.
	RootCAInternal RootCAType = "internal"

	// RootCAExported returns the generated key to the caller.
	RootCAExported RootCAType = "exported"
)

// GenerateRootOptions contains options for root CA generation.
type GenerateRootOptions struct {
	// CommonName is the CA certificate common name.
	CommonName string

	// Type selects internal or exported key generation.
	// Defaults to internal.
	Type RootCAType

	// TTL is the CA certificate time-to-live.
	TTL time.Duration

	// KeyType is the key algorithm (rsa, ec, ed25519).
	KeyType string

	// KeyBits is the key size in bits.
	KeyBits int
}

// RootCA is the result of root CA generation.
type RootCA struct {
	// CertificatePEM is the PEM-encoded CA certificate.
	CertificatePEM string

	// Certificate is the parsed CA certificate.
	Certificate *x509.Certificate

	// PrivateKeyPEM is the PEM-encoded CA key (exported type only).
	PrivateKeyPEM string

	// SerialNumber is the CA certificate serial number.
	SerialNumber string

	// Expiration is the CA certificate expiration time.
	Expiration time.Time
}

// RoleOptions is the policy written for a PKI role. Values are forwarded to
// the backend unvalidated; the backend enforces them on every issuance.
type RoleOptions struct {
	// AllowedDomains are the domains the role may issue for.
	AllowedDomains []string

	// AllowSubdomains permits subdomains of the allowed domains.
	AllowSubdomains bool

	// AllowBareDomains permits the allowed domains themselves.
	AllowBareDomains bool

	// AllowAnyName disables name checks entirely.
	AllowAnyName bool

	// AllowIPSANs permits IP subject alternative names.
	AllowIPSANs bool

	// ServerFlag marks issued certificates for server auth.
	ServerFlag bool

	// ClientFlag marks issued certificates for client auth.
	ClientFlag bool

	// MaxTTL bounds the TTL of every certificate issued under the role.
	MaxTTL time.Duration

	// TTL is the default certificate TTL.
	TTL time.Duration

	// KeyType is the key algorithm for generated key pairs.
	KeyType string

	// KeyBits is the key size in bits.
	KeyBits int
}

// Role is a role read back from the backend.
type Role struct {
	// Name is the role name.
	Name string

	// AllowedDomains are the domains the role may issue for.
	AllowedDomains []string

	// AllowSubdomains permits subdomains of the allowed domains.
	AllowSubdomains bool

	// MaxTTL bounds the TTL of certificates issued under the role.
	MaxTTL time.Duration

	// TTL is the default certificate TTL.
	TTL time.Duration
}

// IssueOptions contains options for certificate generation. The value is
// immutable per call; the backend generates the key pair.
type IssueOptions struct {
	// CommonName is the certificate common name.
	CommonName string

	// AltNames are the DNS subject alternative names.
	AltNames []string

	// IPSANs are the IP subject alternative names.
	IPSANs []string

	// TTL is the requested certificate TTL. Bounded by the role's MaxTTL.
	TTL time.Duration
}

// SignOptions contains options for CSR signing.
type SignOptions struct {
	// CommonName overrides the CSR common name (optional).
	CommonName string

	// AltNames are additional DNS subject alternative names.
	AltNames []string

	// IPSANs are additional IP subject alternative names.
	IPSANs []string

	// TTL is the requested certificate TTL. Bounded by the role's MaxTTL.
	TTL time.Duration
}

// Certificate is an issued or signed certificate. It is returned to the
// caller exactly once and never retained by the client.
type Certificate struct {
	// Certificate is the parsed X.509 certificate.
	Certificate *x509.Certificate

	// CertificatePEM is the PEM-encoded certificate.
	CertificatePEM string

	// PrivateKey is the parsed private key (nil for CSR signing).
	PrivateKey crypto.PrivateKey

	// PrivateKeyPEM is the PEM-encoded private key (empty for CSR signing).
	PrivateKeyPEM string

	// IssuingCAPEM is the PEM-encoded issuing CA certificate.
	IssuingCAPEM string

	// CAChainPEM is the PEM-encoded CA chain.
	CAChainPEM string

	// SerialNumber is the certificate serial number, the sole revocation key.
	SerialNumber string

	// Expiration is the certificate expiration time.
	Expiration time.Time
}

// CRL is the certificate revocation list of one engine.
type CRL struct {
	// PEM is the PEM-encoded CRL.
	PEM []byte

	// RevocationList is the parsed CRL, nil when parsing failed.
	RevocationList *x509.RevocationList
}

// Revoked reports whether the given serial number appears in the CRL.
// Serial numbers are compared in Vault's colon-separated hex form.
func (c *CRL) Revoked(serial string) bool {
	if c == nil || c.RevocationList == nil {
		return false
	}
	want := normalizeSerial(serial)
	for _, entry := range c.RevocationList.RevokedCertificateEntries {
		if normalizeSerial(fmt.Sprintf("%x", entry.SerialNumber)) == want {
			return true
		}
	}
	return false
}

// normalizeSerial strips separators and lowercases a serial number.
func normalizeSerial(serial string) string {
	s := strings.ToLower(serial)
	s = strings.ReplaceAll(s, ":", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.TrimLeft(s, "0")
}

// Engine is a PKI secrets engine client bound to one mount path. Handles
// are lightweight; construct them through a Factory. The mount is not
// verified to exist — operations against an unmounted path fail with a
// classified error.
type Engine struct {
	client *Client
	mount  string
	logger *zap.Logger
}

// newEngine creates an Engine bound to the given mount path.
func newEngine(client *Client, mount string) *Engine {
	return &Engine{
		client: client,
		mount:  mount,
		logger: client.logger.With(zap.String("mount", mount)),
	}
}

// Mount returns the engine's mount path.
func (e *Engine) Mount() string {
	return e.mount
}

// GenerateRoot generates the engine's root CA key and certificate. Repeated
// calls generate a new CA, overwriting the prior one; callers must guard
// against unintended overwrite.
func (e *Engine) GenerateRoot(ctx context.Context, opts *GenerateRootOptions) (*RootCA, error) {
	if opts == nil {
		return nil, newValidationError("pki_generate_root", "options are required")
	}
	if opts.CommonName == "" {
		return nil, newValidationError("pki_generate_root", "common name is required")
	}

	caType := opts.Type
	if caType == "" {
		caType = RootCAInternal
	}

	path := fmt.Sprintf("%s/root/generate/%s", e.mount, caType)
	data := map[string]interface{}{
		"common_name": opts.CommonName,
	}
	if opts.TTL > 0 {
		data["ttl"] = opts.TTL.String()
	}
	if opts.KeyType != "" {
		data["key_type"] = opts.KeyType
	}
	if opts.KeyBits > 0 {
		data["key_bits"] = opts.KeyBits
	}

	secret, err := e.client.write(ctx, "pki_generate_root", path, data)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, newOpError("pki_generate_root", path, ErrValidation)
	}

	root := &RootCA{}
	if certPEM, ok := secret.Data["certificate"].(string); ok {
		root.CertificatePEM = certPEM
		if cert := parseCertificatePEM(certPEM); cert != nil {
			root.Certificate = cert
			root.Expiration = cert.NotAfter
		}
	}
	if keyPEM, ok := secret.Data["private_key"].(string); ok {
		root.PrivateKeyPEM = keyPEM
	}
	if serial, ok := secret.Data["serial_number"].(string); ok {
		root.SerialNumber = serial
	}

	e.logger.Info("root CA generated",
		zap.String("common_name", opts.CommonName),
		zap.String("serial", root.SerialNumber),
	)

	return root, nil
}

// UpdateRole creates or updates a role on the engine. The role's MaxTTL
// bounds every certificate issued under it.
func (e *Engine) UpdateRole(ctx context.Context, name string, opts *RoleOptions) error {
	if name == "" {
		return newValidationError("pki_update_role", "role name is required")
	}
	if opts == nil {
		return newValidationError("pki_update_role", "options are required")
	}

	path := fmt.Sprintf("%s/roles/%s", e.mount, name)
	data := map[string]interface{}{
		"allowed_domains":    strings.Join(opts.AllowedDomains, ","),
		"allow_subdomains":   opts.AllowSubdomains,
		"allow_bare_domains": opts.AllowBareDomains,
		"allow_any_name":     opts.AllowAnyName,
		"allow_ip_sans":      opts.AllowIPSANs,
		"server_flag":        opts.ServerFlag,
		"client_flag":        opts.ClientFlag,
	}
	if opts.MaxTTL > 0 {
		data["max_ttl"] = opts.MaxTTL.String()
	}
	if opts.TTL > 0 {
		data["ttl"] = opts.TTL.String()
	}
	if opts.KeyType != "" {
		data["key_type"] = opts.KeyType
	}
	if opts.KeyBits > 0 {
		data["key_bits"] = opts.KeyBits
	}

	if _, err := e.client.write(ctx, "pki_update_role", path, data); err != nil {
		return err
	}

	e.logger.Info("role updated",
		zap.String("role", name),
		zap.Strings("allowed_domains", opts.AllowedDomains),
		zap.Duration("max_ttl", opts.MaxTTL),
	)

	return nil
}

// ReadRole reads a role back from the engine.
func (e *Engine) ReadRole(ctx context.Context, name string) (*Role, error) {
	if name == "" {
		return nil, newValidationError("pki_read_role", "role name is required")
	}

	path := fmt.Sprintf("%s/roles/%s", e.mount, name)
	secret, err := e.client.read(ctx, "pki_read_role", path)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, &OpError{Op: "pki_read_role", Path: path, Err: ErrNotFound}
	}

	role := &Role{Name: name}
	switch domains := secret.Data["allowed_domains"].(type) {
	case []interface{}:
		for _, d := range domains {
			if s, ok := d.(string); ok {
				role.AllowedDomains = append(role.AllowedDomains, s)
			}
		}
	case string:
		if domains != "" {
			role.AllowedDomains = strings.Split(domains, ",")
		}
	}
	if allow, ok := secret.Data["allow_subdomains"].(bool); ok {
		role.AllowSubdomains = allow
	}
	role.MaxTTL = durationField(secret.Data, "max_ttl")
	role.TTL = durationField(secret.Data, "ttl")

	return role, nil
}

// DeleteRole removes a role from the engine. Deleting an absent role is a
// no-op success, matching Vault. Certificates already issued under the role
// are unaffected.
func (e *Engine) DeleteRole(ctx context.Context, name string) error {
	if name == "" {
		return newValidationError("pki_delete_role", "role name is required")
	}

	path := fmt.Sprintf("%s/roles/%s", e.mount, name)
	if err := e.client.delete(ctx, "pki_delete_role", path); err != nil {
		return err
	}

	e.logger.Info("role deleted", zap.String("role", name))
	return nil
}

// GenerateCertificate has the backend generate a fresh key pair and
// certificate bound to the role's constraints. The private key is returned
// to the caller exactly once; the client retains nothing.
func (e *Engine) GenerateCertificate(ctx context.Context, roleName string, opts *IssueOptions) (*Certificate, error) {
	if roleName == "" {
		return nil, newValidationError("pki_issue", "role name is required")
	}
	if opts == nil {
		return nil, newValidationError("pki_issue", "options are required")
	}
	if opts.CommonName == "" {
		return nil, newValidationError("pki_issue", "common name is required")
	}

	path := fmt.Sprintf("%s/issue/%s", e.mount, roleName)
	data := map[string]interface{}{
		"common_name": opts.CommonName,
	}
	if len(opts.AltNames) > 0 {
		data["alt_names"] = strings.Join(opts.AltNames, ",")
	}
	if len(opts.IPSANs) > 0 {
		data["ip_sans"] = strings.Join(opts.IPSANs, ",")
	}
	if opts.TTL > 0 {
		data["ttl"] = opts.TTL.String()
	}

	secret, err := e.client.write(ctx, "pki_issue", path, data)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, newOpError("pki_issue", path, ErrValidation)
	}

	cert := parseCertificateResponse(secret.Data)

	e.logger.Info("certificate issued",
		zap.String("role", roleName),
		zap.String("common_name", opts.CommonName),
		zap.String("serial", cert.SerialNumber),
		zap.Time("expiration", cert.Expiration),
	)

	return cert, nil
}

// SignRequest has the backend validate a caller-supplied CSR against the
// role policy and sign it. The result never contains a private key.
func (e *Engine) SignRequest(ctx context.Context, roleName string, csrPEM []byte, opts *SignOptions) (*Certificate, error) {
	if roleName == "" {
		return nil, newValidationError("pki_sign", "role name is required")
	}
	if len(csrPEM) == 0 {
		return nil, newValidationError("pki_sign", "CSR is required")
	}

	path := fmt.Sprintf("%s/sign/%s", e.mount, roleName)
	data := map[string]interface{}{
		"csr": string(csrPEM),
	}
	if opts != nil {
		if opts.CommonName != "" {
			data["common_name"] = opts.CommonName
		}
		if len(opts.AltNames) > 0 {
			data["alt_names"] = strings.Join(opts.AltNames, ",")
		}
		if len(opts.IPSANs) > 0 {
			data["ip_sans"] = strings.Join(opts.IPSANs, ",")
		}
		if opts.TTL > 0 {
			data["ttl"] = opts.TTL.String()
		}
	}

	secret, err := e.client.write(ctx, "pki_sign", path, data)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, newOpError("pki_sign", path, ErrValidation)
	}

	cert := parseCertificateResponse(secret.Data)
	// The key never leaves the caller on the sign path
	cert.PrivateKey = nil
	cert.PrivateKeyPEM = ""

	e.logger.Info("CSR signed",
		zap.String("role", roleName),
		zap.String("serial", cert.SerialNumber),
		zap.Time("expiration", cert.Expiration),
	)

	return cert, nil
}

// RevokeCertificate marks a certificate revoked and schedules CRL
// regeneration. Revoking an already-revoked serial is a no-op success.
func (e *Engine) RevokeCertificate(ctx context.Context, serialNumber string) error {
	if serialNumber == "" {
		return newValidationError("pki_revoke", "serial number is required")
	}

	path := fmt.Sprintf("%s/revoke", e.mount)
	data := map[string]interface{}{
		"serial_number": serialNumber,
	}

	if _, err := e.client.write(ctx, "pki_revoke", path, data); err != nil {
		return err
	}

	e.logger.Info("certificate revoked", zap.String("serial", serialNumber))
	return nil
}

// ReadCRL returns the engine's current certificate revocation list.
func (e *Engine) ReadCRL(ctx context.Context) (*CRL, error) {
	path := fmt.Sprintf("%s/cert/crl", e.mount)

	secret, err := e.client.read(ctx, "pki_read_crl", path)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, &OpError{Op: "pki_read_crl", Path: path, Err: ErrNotFound}
	}

	// The cert/crl endpoint returns the CRL in the "certificate" field
	crlPEM, ok := secret.Data["certificate"].(string)
	if !ok {
		return nil, newOpError("pki_read_crl", path, ErrValidation)
	}

	crl := &CRL{PEM: []byte(crlPEM)}
	if block, _ := pem.Decode([]byte(crlPEM)); block != nil {
		if list, err := x509.ParseRevocationList(block.Bytes); err == nil {
			crl.RevocationList = list
		}
	}

	return crl, nil
}

// ReadCA returns the engine's CA certificate as a pool and raw PEM.
func (e *Engine) ReadCA(ctx context.Context) (*x509.CertPool, []byte, error) {
	path := fmt.Sprintf("%s/cert/ca", e.mount)

	secret, err := e.client.read(ctx, "pki_read_ca", path)
	if err != nil {
		return nil, nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, nil, &OpError{Op: "pki_read_ca", Path: path, Err: ErrNotFound}
	}

	caPEM, ok := secret.Data["certificate"].(string)
	if !ok {
		return nil, nil, newOpError("pki_read_ca", path, ErrValidation)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(caPEM)) {
		return nil, nil, newOpError("pki_read_ca", path, ErrValidation)
	}

	return pool, []byte(caPEM), nil
}

// parseCertificateResponse parses a Vault issue/sign response.
func parseCertificateResponse(data map[string]interface{}) *Certificate {
	cert := &Certificate{}

	if certPEM, ok := data["certificate"].(string); ok {
		cert.CertificatePEM = certPEM
		if parsed := parseCertificatePEM(certPEM); parsed != nil {
			cert.Certificate = parsed
			cert.Expiration = parsed.NotAfter
		}
	}

	if keyPEM, ok := data["private_key"].(string); ok {
		cert.PrivateKeyPEM = keyPEM
		if block, _ := pem.Decode([]byte(keyPEM)); block != nil {
			if key, err := parsePrivateKey(block.Bytes); err == nil {
				cert.PrivateKey = key
			}
		}
	}

	if issuingCA, ok := data["issuing_ca"].(string); ok {
		cert.IssuingCAPEM = issuingCA
		cert.CAChainPEM = issuingCA
	}

	if caChain, ok := data["ca_chain"].([]interface{}); ok {
		chainPEMs := make([]string, 0, len(caChain))
		for _, ca := range caChain {
			if s, ok := ca.(string); ok {
				chainPEMs = append(chainPEMs, s)
			}
		}
		if len(chainPEMs) > 0 {
			cert.CAChainPEM = strings.Join(chainPEMs, "\n")
		}
	}

	if serial, ok := data["serial_number"].(string); ok {
		cert.SerialNumber = serial
	}

	// The API decoder may yield float64 or json.Number here
	switch exp := data["expiration"].(type) {
	case float64:
		cert.Expiration = time.Unix(int64(exp), 0)
	case json.Number:
		if v, err := exp.Int64(); err == nil {
			cert.Expiration = time.Unix(v, 0)
		}
	}

	return cert
}

// parseCertificatePEM parses the first certificate in a PEM blob.
func parseCertificatePEM(certPEM string) *x509.Certificate {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil
	}
	return cert
}

// parsePrivateKey parses a private key from DER bytes.
func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}

	return nil, fmt.Errorf("failed to parse private key")
}

// durationField reads a seconds-valued field from Vault response data.
func durationField(data map[string]interface{}, key string) time.Duration {
	switch v := data[key].(type) {
	case float64:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Duration(n) * time.Second
		}
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 0
}
