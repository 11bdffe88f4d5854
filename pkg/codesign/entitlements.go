package codesign

import (
	"context"
	"fmt"
	"os"

	"howett.net/plist"
)

const entitlementsKey = "Entitlements"

// ExtractEntitlements decodes the provisioning profile at profilePath, pulls
// out its Entitlements dictionary and writes it alone as an XML plist to
// destPath, which is returned. codesign wants entitlements as a standalone
// document, not embedded in the profile.
func ExtractEntitlements(ctx context.Context, decoder ProfileDecoder, profilePath, destPath string) (string, error) {
	if _, err := extractTrustMaterial(ctx, decoder, profilePath, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

// extractTrustMaterial decodes the profile once, writes its entitlements
// document to destPath and returns the parsed profile
func extractTrustMaterial(ctx context.Context, decoder ProfileDecoder, profilePath, destPath string) (*ProvisioningProfile, error) {
	content, err := decoder.Decode(ctx, profilePath)
	if err != nil {
		return nil, err
	}
	if _, err := writeEntitlements(profilePath, content, destPath); err != nil {
		return nil, err
	}

	profile, err := ParseProvisioningProfile(content)
	if err != nil {
		os.Remove(destPath)
		return nil, newError(KindInvalidProvisioningProfile, profilePath, "", err)
	}
	return profile, nil
}

// writeEntitlements writes the Entitlements dictionary of decoded profile content to destPath
func writeEntitlements(profilePath string, content []byte, destPath string) (string, error) {
	entitlements, err := EntitlementsFromProfile(content)
	if err != nil {
		return "", newError(KindInvalidProvisioningProfile, profilePath, "", err)
	}

	data, err := EntitlementsToXML(entitlements)
	if err != nil {
		return "", newError(KindInvalidProvisioningProfile, profilePath, "", err)
	}

	if err := os.WriteFile(destPath, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write entitlements: %w", err)
	}

	return destPath, nil
}

// EntitlementsFromProfile returns the Entitlements dictionary of a decoded
// profile plist. A missing or non-dictionary key is an error.
func EntitlementsFromProfile(content []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if _, err := plist.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}

	raw, ok := doc[entitlementsKey]
	if !ok {
		return nil, fmt.Errorf("provisioning profile has no %s", entitlementsKey)
	}
	entitlements, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("provisioning profile %s is %T, not a dictionary", entitlementsKey, raw)
	}

	return entitlements, nil
}

// EntitlementsToXML converts entitlements map to XML plist bytes
func EntitlementsToXML(entitlements map[string]interface{}) ([]byte, error) {
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

// ParseEntitlementsXML parses XML plist entitlements into a map
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	_, err := plist.Unmarshal(data, &entitlements)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}
