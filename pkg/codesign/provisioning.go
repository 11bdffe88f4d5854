package codesign

import (
	"context"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// ProvisioningProfile represents a decoded .mobileprovision payload
type ProvisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// ProfileDecoder turns a signed .mobileprovision container into its plist payload
type ProfileDecoder interface {
	Decode(ctx context.Context, profilePath string) ([]byte, error)
}

// CMSDecoder decodes profiles with `security cms -D`
type CMSDecoder struct {
	Runner Runner
	Tools  Tools
}

// Decode implements ProfileDecoder
func (d CMSDecoder) Decode(ctx context.Context, profilePath string) ([]byte, error) {
	tools := d.Tools.WithDefaults()
	res, err := d.Runner.Run(ctx, Cmd{
		Name: tools.Security,
		Args: []string{"cms", "-D", "-i", profilePath},
	})
	if err != nil || res.ExitCode != 0 {
		return nil, toolError(KindInvalidProvisioningProfile, profilePath, res, err)
	}
	if len(res.Stdout) == 0 {
		return nil, newError(KindInvalidProvisioningProfile, profilePath, "decoder produced no output", nil)
	}
	return res.Stdout, nil
}

// NativeDecoder decodes profiles in-process. The CMS signature is not verified.
type NativeDecoder struct{}

// Decode implements ProfileDecoder
func (NativeDecoder) Decode(_ context.Context, profilePath string) ([]byte, error) {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return nil, newError(KindInvalidProvisioningProfile, profilePath, "failed to read provisioning profile", err)
	}
	content, err := DecodeProvisioningProfile(data)
	if err != nil {
		return nil, newError(KindInvalidProvisioningProfile, profilePath, "", err)
	}
	return content, nil
}

// DecodeProvisioningProfile unwraps the CMS (PKCS#7) container of a
// .mobileprovision file and returns the embedded plist
func DecodeProvisioningProfile(data []byte) ([]byte, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}
	if len(p7.Content) == 0 {
		return nil, fmt.Errorf("PKCS#7 container has no content")
	}
	return p7.Content, nil
}

// ParseProvisioningProfile parses the decoded plist payload of a profile
func ParseProvisioningProfile(content []byte) (*ProvisioningProfile, error) {
	var profile ProvisioningProfile
	if _, err := plist.Unmarshal(content, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}
	return &profile, nil
}

// LoadProvisioningProfile decodes and parses the profile at profilePath
func LoadProvisioningProfile(ctx context.Context, decoder ProfileDecoder, profilePath string) (*ProvisioningProfile, error) {
	content, err := decoder.Decode(ctx, profilePath)
	if err != nil {
		return nil, err
	}
	profile, err := ParseProvisioningProfile(content)
	if err != nil {
		return nil, newError(KindInvalidProvisioningProfile, profilePath, "", err)
	}
	return profile, nil
}

// GetTeamID returns the team identifier from the profile
func (p *ProvisioningProfile) GetTeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// GetApplicationIdentifier returns the application identifier from entitlements
func (p *ProvisioningProfile) GetApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// IsExpired checks if the provisioning profile has expired
func (p *ProvisioningProfile) IsExpired() bool {
	return !p.ExpirationDate.IsZero() && time.Now().After(p.ExpirationDate)
}

// GetCertificates parses and returns the developer certificates from the profile
func (p *ProvisioningProfile) GetCertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// CertificateFingerprints returns the SHA-1 fingerprints of the profile's
// developer certificates, in the same form keychain identities are listed
func (p *ProvisioningProfile) CertificateFingerprints() []string {
	fingerprints := make([]string, 0, len(p.DeveloperCertificates))
	for _, certData := range p.DeveloperCertificates {
		fingerprints = append(fingerprints, fingerprint(certData))
	}
	return fingerprints
}

// AllowsIdentity reports whether the identity's certificate is one of the
// profile's developer certificates
func (p *ProvisioningProfile) AllowsIdentity(identity SigningIdentity) bool {
	for _, fp := range p.CertificateFingerprints() {
		if fp == identity.Key() {
			return true
		}
	}
	return false
}

func fingerprint(der []byte) string {
	sum := sha1.Sum(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
