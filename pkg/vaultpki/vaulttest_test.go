package vaultpki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeVault is an in-process Vault lookalike for tests. It keeps mount,
// role, and revocation state and mints real ECDSA certificates so parsed
// fields (CN, TTL, serial) can be asserted against.
type fakeVault struct {
	t     *testing.T
	token string
	srv   *httptest.Server

	mu       sync.Mutex
	mounts   map[string]*fakeMount
	failNext int // respond 503 to this many requests first
}

type fakeMount struct {
	roles   map[string]*fakeRole
	caKey   *ecdsa.PrivateKey
	caCert  *x509.Certificate
	caPEM   string
	issued  map[string]*x509.Certificate // by normalized serial
	revoked map[string]time.Time
	crlSeq  int64
}

type fakeRole struct {
	allowedDomains   []string
	allowSubdomains  bool
	allowBareDomains bool
	allowAnyName     bool
	maxTTL           time.Duration
	ttl              time.Duration
}

const testToken = "test-token"

func newFakeVault(t *testing.T) *fakeVault {
	t.Helper()

	fv := &fakeVault{
		t:      t,
		token:  testToken,
		mounts: make(map[string]*fakeMount),
	}
	fv.srv = httptest.NewServer(http.HandlerFunc(fv.handle))
	t.Cleanup(fv.srv.Close)
	return fv
}

// FailNext makes the next n requests fail with 503.
func (fv *fakeVault) FailNext(n int) {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	fv.failNext = n
}

func (fv *fakeVault) handle(w http.ResponseWriter, r *http.Request) {
	fv.mu.Lock()
	defer fv.mu.Unlock()

	if fv.failNext > 0 {
		fv.failNext--
		writeErrors(w, http.StatusServiceUnavailable, "internal error")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")

	// Health is unauthenticated
	if path == "sys/health" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"initialized":  true,
			"sealed":       false,
			"standby":      false,
			"version":      "1.16.0-test",
			"cluster_name": "vault-cluster-test",
			"cluster_id":   "test-cluster-id",
		})
		return
	}

	// Login endpoints are unauthenticated
	if strings.HasPrefix(path, "auth/userpass/login/") {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if password, _ := body["password"].(string); password != "secret" {
			writeErrors(w, http.StatusBadRequest, "invalid username or password")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"auth": map[string]interface{}{
				"client_token":   fv.token,
				"lease_duration": 3600,
				"renewable":      true,
			},
		})
		return
	}

	if r.Header.Get("X-Vault-Token") != fv.token {
		writeErrors(w, http.StatusForbidden, "permission denied")
		return
	}

	switch {
	case path == "auth/token/lookup-self":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"ttl": 3600, "renewable": true},
		})
	case path == "auth/token/renew-self":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"auth": map[string]interface{}{
				"client_token":   fv.token,
				"lease_duration": 3600,
				"renewable":      true,
			},
		})
	case path == "sys/mounts" && r.Method == http.MethodGet:
		fv.handleListMounts(w)
	case strings.HasPrefix(path, "sys/mounts/"):
		fv.handleMountLifecycle(w, r, strings.TrimPrefix(path, "sys/mounts/"))
	default:
		fv.handleEngine(w, r, path)
	}
}

func (fv *fakeVault) handleListMounts(w http.ResponseWriter) {
	data := make(map[string]interface{})
	for mount := range fv.mounts {
		data[mount+"/"] = map[string]interface{}{
			"type":        "pki",
			"description": "",
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

func (fv *fakeVault) handleMountLifecycle(w http.ResponseWriter, r *http.Request, mount string) {
	mount = strings.TrimSuffix(mount, "/")

	switch r.Method {
	case http.MethodPost, http.MethodPut:
		if _, ok := fv.mounts[mount]; ok {
			writeErrors(w, http.StatusBadRequest, fmt.Sprintf("path is already in use at %s/", mount))
			return
		}
		fv.mounts[mount] = &fakeMount{
			roles:   make(map[string]*fakeRole),
			issued:  make(map[string]*x509.Certificate),
			revoked: make(map[string]time.Time),
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if _, ok := fv.mounts[mount]; !ok {
			writeErrors(w, http.StatusBadRequest, fmt.Sprintf("no matching mount at %s/", mount))
			return
		}
		delete(fv.mounts, mount)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeErrors(w, http.StatusMethodNotAllowed, "unsupported operation")
	}
}

func (fv *fakeVault) handleEngine(w http.ResponseWriter, r *http.Request, path string) {
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		writeErrors(w, http.StatusNotFound, fmt.Sprintf("no handler for route %q", path))
		return
	}

	mount, ok := fv.mounts[parts[0]]
	if !ok {
		writeErrors(w, http.StatusNotFound, fmt.Sprintf("no handler for route %q", path))
		return
	}

	var body map[string]interface{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	rest := parts[1]
	switch {
	case strings.HasPrefix(rest, "root/generate/"):
		fv.handleGenerateRoot(w, mount, strings.TrimPrefix(rest, "root/generate/"), body)
	case strings.HasPrefix(rest, "roles/"):
		fv.handleRole(w, r, mount, strings.TrimPrefix(rest, "roles/"), body)
	case strings.HasPrefix(rest, "issue/"):
		fv.handleIssue(w, mount, strings.TrimPrefix(rest, "issue/"), body)
	case strings.HasPrefix(rest, "sign/"):
		fv.handleSign(w, mount, strings.TrimPrefix(rest, "sign/"), body)
	case rest == "revoke":
		fv.handleRevoke(w, mount, body)
	case rest == "cert/crl":
		fv.handleCRL(w, mount)
	case rest == "cert/ca":
		fv.handleCA(w, mount)
	default:
		writeErrors(w, http.StatusNotFound, fmt.Sprintf("no handler for route %q", path))
	}
}

func (fv *fakeVault) handleGenerateRoot(w http.ResponseWriter, mount *fakeMount, caType string, body map[string]interface{}) {
	cn, _ := body["common_name"].(string)
	if cn == "" {
		writeErrors(w, http.StatusBadRequest, "the common_name field is required")
		return
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		fv.t.Fatalf("generate CA key: %v", err)
	}

	serial := randomSerial(fv.t)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(parseTTL(body, 10*365*24*time.Hour)),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		fv.t.Fatalf("create CA cert: %v", err)
	}
	cert, _ := x509.ParseCertificate(der)

	// Repeated generation overwrites the prior CA
	mount.caKey = key
	mount.caCert = cert
	mount.caPEM = encodePEM("CERTIFICATE", der)

	data := map[string]interface{}{
		"certificate":   mount.caPEM,
		"issuing_ca":    mount.caPEM,
		"serial_number": colonSerial(serial),
		"expiration":    cert.NotAfter.Unix(),
	}
	if caType == "exported" {
		keyDER, _ := x509.MarshalECPrivateKey(key)
		data["private_key"] = encodePEM("EC PRIVATE KEY", keyDER)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

func (fv *fakeVault) handleRole(w http.ResponseWriter, r *http.Request, mount *fakeMount, name string, body map[string]interface{}) {
	if r.Method == http.MethodDelete {
		// Vault returns 204 whether or not the role exists
		delete(mount.roles, name)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method == http.MethodGet {
		role, ok := mount.roles[name]
		if !ok {
			writeErrors(w, http.StatusNotFound, fmt.Sprintf("unknown role: %s", name))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{
				"allowed_domains":  role.allowedDomains,
				"allow_subdomains": role.allowSubdomains,
				"max_ttl":          int64(role.maxTTL.Seconds()),
				"ttl":              int64(role.ttl.Seconds()),
			},
		})
		return
	}

	role := &fakeRole{}
	if domains, ok := body["allowed_domains"].(string); ok && domains != "" {
		role.allowedDomains = strings.Split(domains, ",")
	}
	role.allowSubdomains, _ = body["allow_subdomains"].(bool)
	role.allowBareDomains, _ = body["allow_bare_domains"].(bool)
	role.allowAnyName, _ = body["allow_any_name"].(bool)
	if ttl, ok := body["max_ttl"].(string); ok {
		role.maxTTL, _ = time.ParseDuration(ttl)
	}
	if ttl, ok := body["ttl"].(string); ok {
		role.ttl, _ = time.ParseDuration(ttl)
	}
	mount.roles[name] = role

	w.WriteHeader(http.StatusNoContent)
}

// roleTTL applies the role's default and maximum to a requested TTL,
// matching Vault's silent capping behavior.
func (r *fakeRole) roleTTL(requested time.Duration) time.Duration {
	ttl := requested
	if ttl <= 0 {
		ttl = r.ttl
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if r.maxTTL > 0 && ttl > r.maxTTL {
		ttl = r.maxTTL
	}
	return ttl
}

// cnAllowed applies the role's name constraints.
func (r *fakeRole) cnAllowed(cn string) bool {
	if r.allowAnyName {
		return true
	}
	for _, domain := range r.allowedDomains {
		if r.allowBareDomains && cn == domain {
			return true
		}
		if r.allowSubdomains && strings.HasSuffix(cn, "."+domain) {
			return true
		}
	}
	return false
}

func (fv *fakeVault) handleIssue(w http.ResponseWriter, mount *fakeMount, roleName string, body map[string]interface{}) {
	role, ok := mount.roles[roleName]
	if !ok {
		writeErrors(w, http.StatusBadRequest, fmt.Sprintf("unknown role: %s", roleName))
		return
	}
	if mount.caCert == nil {
		writeErrors(w, http.StatusBadRequest, "backend must be configured with a CA certificate/key")
		return
	}

	cn, _ := body["common_name"].(string)
	if !role.cnAllowed(cn) {
		writeErrors(w, http.StatusBadRequest,
			fmt.Sprintf("common name %s not allowed by this role", cn))
		return
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		fv.t.Fatalf("generate leaf key: %v", err)
	}

	cert, der := fv.mintLeaf(mount, role, cn, body, &key.PublicKey)
	keyDER, _ := x509.MarshalECPrivateKey(key)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"certificate":   encodePEM("CERTIFICATE", der),
			"private_key":   encodePEM("EC PRIVATE KEY", keyDER),
			"issuing_ca":    mount.caPEM,
			"ca_chain":      []string{mount.caPEM},
			"serial_number": colonSerial(cert.SerialNumber),
			"expiration":    cert.NotAfter.Unix(),
		},
	})
}

func (fv *fakeVault) handleSign(w http.ResponseWriter, mount *fakeMount, roleName string, body map[string]interface{}) {
	role, ok := mount.roles[roleName]
	if !ok {
		writeErrors(w, http.StatusBadRequest, fmt.Sprintf("unknown role: %s", roleName))
		return
	}
	if mount.caCert == nil {
		writeErrors(w, http.StatusBadRequest, "backend must be configured with a CA certificate/key")
		return
	}

	csrPEM, _ := body["csr"].(string)
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil {
		writeErrors(w, http.StatusBadRequest, "certificate request could not be parsed")
		return
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "certificate request could not be parsed")
		return
	}

	cn := csr.Subject.CommonName
	if override, ok := body["common_name"].(string); ok && override != "" {
		cn = override
	}
	if !role.cnAllowed(cn) {
		writeErrors(w, http.StatusBadRequest,
			fmt.Sprintf("common name %s not allowed by this role", cn))
		return
	}

	cert, der := fv.mintLeaf(mount, role, cn, body, csr.PublicKey)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"certificate":   encodePEM("CERTIFICATE", der),
			"issuing_ca":    mount.caPEM,
			"ca_chain":      []string{mount.caPEM},
			"serial_number": colonSerial(cert.SerialNumber),
			"expiration":    cert.NotAfter.Unix(),
		},
	})
}

// mintLeaf signs a leaf certificate with the mount's CA and records it.
func (fv *fakeVault) mintLeaf(mount *fakeMount, role *fakeRole, cn string, body map[string]interface{}, pub interface{}) (*x509.Certificate, []byte) {
	serial := randomSerial(fv.t)
	ttl := role.roleTTL(parseTTL(body, 0))

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(ttl),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if altNames, ok := body["alt_names"].(string); ok && altNames != "" {
		template.DNSNames = strings.Split(altNames, ",")
	}

	der, err := x509.CreateCertificate(rand.Reader, template, mount.caCert, pub, mount.caKey)
	if err != nil {
		fv.t.Fatalf("mint leaf: %v", err)
	}
	cert, _ := x509.ParseCertificate(der)
	mount.issued[normalizeSerial(colonSerial(serial))] = cert
	return cert, der
}

func (fv *fakeVault) handleRevoke(w http.ResponseWriter, mount *fakeMount, body map[string]interface{}) {
	serial, _ := body["serial_number"].(string)
	norm := normalizeSerial(serial)

	if _, ok := mount.issued[norm]; !ok {
		writeErrors(w, http.StatusBadRequest,
			fmt.Sprintf("certificate with serial %s not found", serial))
		return
	}

	// Idempotent: repeated revocation returns the original time
	when, ok := mount.revoked[norm]
	if !ok {
		when = time.Now()
		mount.revoked[norm] = when
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"revocation_time": when.Unix()},
	})
}

func (fv *fakeVault) handleCRL(w http.ResponseWriter, mount *fakeMount) {
	if mount.caCert == nil {
		writeErrors(w, http.StatusBadRequest, "backend must be configured with a CA certificate/key")
		return
	}

	var entries []x509.RevocationListEntry
	for norm, when := range mount.revoked {
		cert := mount.issued[norm]
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   cert.SerialNumber,
			RevocationTime: when,
		})
	}

	mount.crlSeq++
	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(mount.crlSeq),
		ThisUpdate:                time.Now().Add(-time.Minute),
		NextUpdate:                time.Now().Add(72 * time.Hour),
		RevokedCertificateEntries: entries,
		SignatureAlgorithm:        x509.ECDSAWithSHA256,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, mount.caCert, mount.caKey)
	if err != nil {
		fv.t.Fatalf("create CRL: %v", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"certificate": encodePEM("X509 CRL", der)},
	})
}

func (fv *fakeVault) handleCA(w http.ResponseWriter, mount *fakeMount) {
	if mount.caCert == nil {
		writeErrors(w, http.StatusBadRequest, "backend must be configured with a CA certificate/key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"certificate": mount.caPEM},
	})
}

// parseTTL reads a duration-string ttl field, falling back to def.
func parseTTL(body map[string]interface{}, def time.Duration) time.Duration {
	if s, ok := body["ttl"].(string); ok && s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}

func randomSerial(t *testing.T) *big.Int {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 120))
	if err != nil {
		t.Fatalf("random serial: %v", err)
	}
	return serial
}

// colonSerial formats a serial the way Vault does: colon-separated hex.
func colonSerial(serial *big.Int) string {
	hex := fmt.Sprintf("%x", serial)
	if len(hex)%2 == 1 {
		hex = "0" + hex
	}
	var parts []string
	for i := 0; i < len(hex); i += 2 {
		parts = append(parts, hex[i:i+2])
	}
	return strings.Join(parts, ":")
}

func encodePEM(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}

func writeJSON(w http.ResponseWriter, code int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrors(w http.ResponseWriter, code int, msgs ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"errors": msgs})
}

// newTestClient builds an authenticated client against the fake server.
func newTestClient(t *testing.T, fv *fakeVault) *Client {
	t.Helper()

	cfg := &Config{
		Address:    fv.srv.URL,
		AuthMethod: AuthMethodToken,
		Token:      testToken,
		Timeout:    5 * time.Second,
		Retry: &RetryConfig{
			MaxRetries:  2,
			BackoffBase: time.Millisecond,
			BackoffMax:  5 * time.Millisecond,
		},
	}

	client, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Login(t.Context()); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	return client
}

// newTestCSR generates an ECDSA key and a CSR for the given common name.
func newTestCSR(t *testing.T, commonName string) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CSR key: %v", err)
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}, key)
	if err != nil {
		t.Fatalf("create CSR: %v", err)
	}

	return []byte(encodePEM("CERTIFICATE REQUEST", der))
}
