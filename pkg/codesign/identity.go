package codesign

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// SigningIdentity is a keychain certificate/private-key pair, referenced by
// the SHA-1 fingerprint of its certificate. Only ID takes part in equality.
type SigningIdentity struct {
	ID          string
	DisplayName string
}

// Key returns the normalized fingerprint, suitable as a map key
func (i SigningIdentity) Key() string {
	return strings.ToUpper(strings.TrimSpace(i.ID))
}

// Equal reports whether both identities refer to the same certificate
func (i SigningIdentity) Equal(other SigningIdentity) bool {
	return i.Key() == other.Key()
}

func (i SigningIdentity) String() string {
	if i.DisplayName == "" {
		return i.Key()
	}
	return fmt.Sprintf("%s %q", i.Key(), i.DisplayName)
}

// Example line from `security find-identity -v -p codesigning`:
//
//	1) ABCDEF1234567890ABCDEF1234567890ABCDEF12 "Apple Development: John Doe (ABCD123456)"
var identityLineRe = regexp.MustCompile(`\b([0-9A-Fa-f]{40})\s+"([^"]+)"`)

// ParseIdentities extracts signing identities from find-identity output.
// Lines without both a fingerprint and a quoted name are skipped.
func ParseIdentities(output string) []SigningIdentity {
	identities := []SigningIdentity{}
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		m := identityLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		identity := SigningIdentity{ID: strings.ToUpper(m[1]), DisplayName: m[2]}
		if seen[identity.Key()] {
			continue
		}
		seen[identity.Key()] = true
		identities = append(identities, identity)
	}
	return identities
}

// DefaultKeychain asks the security tool for the user's default keychain path
func DefaultKeychain(ctx context.Context, runner Runner, tools Tools) (string, error) {
	tools = tools.WithDefaults()
	res, err := runner.Run(ctx, Cmd{
		Name: tools.Security,
		Args: []string{"default-keychain"},
	})
	if err != nil || res.ExitCode != 0 {
		return "", toolError(KindSigningFailed, "", res, err)
	}

	keychain := strings.Trim(strings.TrimSpace(string(res.Stdout)), `"`)
	if keychain == "" {
		return "", newError(KindSigningFailed, "", "no default keychain configured", nil)
	}
	return keychain, nil
}

// IdentityDirectory lists code-signing identities from the keychain
type IdentityDirectory struct {
	Runner Runner
	Tools  Tools
	// Keychain overrides the default keychain search path when set
	Keychain string
}

// List returns all valid code-signing identities. An empty keychain yields an
// empty list, not an error.
func (d IdentityDirectory) List(ctx context.Context) ([]SigningIdentity, error) {
	keychain := d.Keychain
	if keychain == "" {
		var err error
		keychain, err = DefaultKeychain(ctx, d.Runner, d.Tools)
		if err != nil {
			return nil, err
		}
	}

	tools := d.Tools.WithDefaults()
	res, err := d.Runner.Run(ctx, Cmd{
		Name: tools.Security,
		Args: []string{"find-identity", "-v", "-p", "codesigning", keychain},
	})
	if err != nil || res.ExitCode != 0 {
		return nil, toolError(KindCertificateNotFound, keychain, res, err)
	}

	return ParseIdentities(string(res.Stdout)), nil
}

// Find resolves an identity by fingerprint or by exact display name
func (d IdentityDirectory) Find(ctx context.Context, query string) (SigningIdentity, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return SigningIdentity{}, newError(KindCertificateNotFound, "", "no signing identity selected", nil)
	}

	identities, err := d.List(ctx)
	if err != nil {
		return SigningIdentity{}, err
	}

	want := SigningIdentity{ID: query}
	for _, identity := range identities {
		if identity.Equal(want) || identity.DisplayName == query {
			return identity, nil
		}
	}
	return SigningIdentity{}, newError(KindCertificateNotFound, "", fmt.Sprintf("no code-signing identity matches %q", query), nil)
}

// IdentityFromP12 derives the keychain identity that corresponds to a PKCS#12
// file: the SHA-1 fingerprint of its certificate and the certificate's common
// name. The P12 itself is not used for signing; it must already be imported.
func IdentityFromP12(p12Data []byte, password string) (SigningIdentity, error) {
	_, cert, _, err := gop12.DecodeChain(p12Data, password)
	if err != nil {
		return SigningIdentity{}, fmt.Errorf("failed to decode P12: %w", err)
	}

	return SigningIdentity{
		ID:          fingerprint(cert.Raw),
		DisplayName: cert.Subject.CommonName,
	}, nil
}
