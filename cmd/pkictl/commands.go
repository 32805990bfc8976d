package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vyrodovalexey/vaultpki/pkg/vaultpki"
)

// dispatch routes a parsed command line to its handler.
func dispatch(ctx context.Context, factory *vaultpki.Factory, flags cliFlags, args []string) error {
	command, rest := args[0], args[1:]

	switch command {
	case "status":
		return cmdStatus(ctx, factory, flags.mount)
	case "enable":
		return cmdEnable(ctx, factory, flags.mount)
	case "disable":
		return factory.SystemBackend().DisableEngine(ctx, flags.mount)
	case "root":
		if len(rest) != 1 {
			return fmt.Errorf("root requires a common name argument")
		}
		return cmdRoot(ctx, factory, flags.mount, rest[0])
	case "role":
		if flags.role == "" {
			return fmt.Errorf("role command requires -role")
		}
		if len(rest) < 1 {
			return fmt.Errorf("role requires at least one allowed domain")
		}
		return cmdRole(ctx, factory, flags.mount, flags.role, rest)
	case "issue":
		if flags.role == "" {
			return fmt.Errorf("issue command requires -role")
		}
		if len(rest) != 1 {
			return fmt.Errorf("issue requires a common name argument")
		}
		return cmdIssue(ctx, factory, flags.mount, flags.role, rest[0])
	case "sign":
		if flags.role == "" {
			return fmt.Errorf("sign command requires -role")
		}
		if len(rest) != 1 {
			return fmt.Errorf("sign requires a CSR file argument")
		}
		return cmdSign(ctx, factory, flags.mount, flags.role, rest[0])
	case "revoke":
		if len(rest) != 1 {
			return fmt.Errorf("revoke requires a serial number argument")
		}
		return factory.Engine(flags.mount).RevokeCertificate(ctx, rest[0])
	case "crl":
		return cmdCRL(ctx, factory, flags.mount)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func cmdStatus(ctx context.Context, factory *vaultpki.Factory, mount string) error {
	mounted, err := factory.SystemBackend().IsEngineMounted(ctx, mount)
	if err != nil {
		return err
	}
	if mounted {
		fmt.Printf("%s: enabled\n", mount)
	} else {
		fmt.Printf("%s: not mounted\n", mount)
	}
	return nil
}

func cmdEnable(ctx context.Context, factory *vaultpki.Factory, mount string) error {
	return factory.SystemBackend().EnableEngine(ctx, vaultpki.EnginePKI, mount, "pki secrets engine", &vaultpki.EnableOptions{
		MaxLeaseTTL: 87600 * time.Hour,
	})
}

func cmdRoot(ctx context.Context, factory *vaultpki.Factory, mount, commonName string) error {
	root, err := factory.Engine(mount).GenerateRoot(ctx, &vaultpki.GenerateRootOptions{
		CommonName: commonName,
		TTL:        87600 * time.Hour,
	})
	if err != nil {
		return err
	}
	fmt.Print(root.CertificatePEM)
	return nil
}

func cmdRole(ctx context.Context, factory *vaultpki.Factory, mount, role string, domains []string) error {
	return factory.Engine(mount).UpdateRole(ctx, role, &vaultpki.RoleOptions{
		AllowedDomains:  domains,
		AllowSubdomains: true,
		MaxTTL:          72 * time.Hour,
	})
}

func cmdIssue(ctx context.Context, factory *vaultpki.Factory, mount, role, commonName string) error {
	cert, err := factory.Engine(mount).GenerateCertificate(ctx, role, &vaultpki.IssueOptions{
		CommonName: commonName,
	})
	if err != nil {
		return err
	}
	fmt.Print(cert.CertificatePEM)
	fmt.Print(cert.PrivateKeyPEM)
	return nil
}

func cmdSign(ctx context.Context, factory *vaultpki.Factory, mount, role, csrFile string) error {
	csr, err := os.ReadFile(csrFile)
	if err != nil {
		return fmt.Errorf("read CSR: %w", err)
	}

	cert, err := factory.Engine(mount).SignRequest(ctx, role, csr, nil)
	if err != nil {
		return err
	}
	fmt.Print(cert.CertificatePEM)
	return nil
}

func cmdCRL(ctx context.Context, factory *vaultpki.Factory, mount string) error {
	crl, err := factory.Engine(mount).ReadCRL(ctx)
	if err != nil {
		return err
	}
	os.Stdout.Write(crl.PEM)
	return nil
}
