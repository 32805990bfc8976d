// Package vaultpki is a client for HashiCorp Vault's PKI secrets engine
// and the sys backend that manages secrets engine mounts.
//
// A Client is the transport layer: it authenticates with Vault (token,
// userpass, approle, or kubernetes), renews its token in the background,
// retries transient failures with backoff behind a circuit breaker, and
// classifies every failure into the package's error taxonomy.
//
// A Factory produces Engine handles bound to individual mount paths and
// exposes the SystemBackend for enabling and disabling engines:
//
//	client, err := vaultpki.New(cfg, logger)
//	if err != nil { ... }
//	if err := client.Login(ctx); err != nil { ... }
//	defer client.Close()
//
//	factory := vaultpki.NewFactory(client, logger)
//	engine, err := factory.EnsureEngine(ctx, vaultpki.EnginePKI, "pki", "root CA", nil)
//	if err != nil { ... }
//
//	cert, err := engine.GenerateCertificate(ctx, "example-dot-com", &vaultpki.IssueOptions{
//		CommonName: "a-subdomain.my-website.com",
//	})
//
// Issued material is returned to the caller exactly once and never
// retained; the only client-local mutable state is the auth token.
package vaultpki
