package codesign

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/aluedeke/go-resign/internal/atomicfile"
	"howett.net/plist"
)

const (
	// EmbeddedProfileName is the fixed name of the provisioning profile inside an .app bundle
	EmbeddedProfileName = "embedded.mobileprovision"

	infoPlistName       = "Info.plist"
	bundleIdentifierKey = "CFBundleIdentifier"
)

// ReplaceProvisioningProfile swaps the bundle's embedded.mobileprovision for
// the profile at profilePath. A bundle without an embedded profile is fine.
func ReplaceProvisioningProfile(appPath, profilePath string) error {
	embeddedProfilePath := filepath.Join(appPath, EmbeddedProfileName)

	if err := os.Remove(embeddedProfilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old %s: %w", EmbeddedProfileName, err)
	}

	if err := atomicfile.CopyFile(profilePath, embeddedProfilePath, 0644); err != nil {
		if os.IsNotExist(err) {
			return newError(KindInvalidProvisioningProfile, profilePath, "provisioning profile not found", err)
		}
		return fmt.Errorf("failed to write %s: %w", EmbeddedProfileName, err)
	}

	return nil
}

// UpdateBundleID rewrites CFBundleIdentifier in the bundle's Info.plist,
// keeping the manifest's original encoding. A manifest that is missing or
// cannot be parsed is left alone and reported as not updated, without error.
func UpdateBundleID(appPath, newBundleID string) (bool, error) {
	info, format, err := readInfoPlist(appPath)
	if err != nil {
		return false, nil
	}

	info[bundleIdentifierKey] = newBundleID

	var newData []byte
	if format == plist.BinaryFormat {
		newData, err = plist.Marshal(info, format)
	} else {
		newData, err = plist.MarshalIndent(info, format, "\t")
	}
	if err != nil {
		return false, fmt.Errorf("failed to marshal Info.plist: %w", err)
	}

	infoPlistPath := filepath.Join(appPath, infoPlistName)
	perm := os.FileMode(0644)
	if st, err := os.Stat(infoPlistPath); err == nil {
		perm = st.Mode().Perm()
	}
	if err := atomicfile.WriteFile(infoPlistPath, newData, perm); err != nil {
		return false, fmt.Errorf("failed to write Info.plist: %w", err)
	}

	return true, nil
}

// readInfoPlist loads an app's Info.plist along with the plist format it was stored in
func readInfoPlist(appPath string) (map[string]interface{}, int, error) {
	data, err := os.ReadFile(filepath.Join(appPath, infoPlistName))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read Info.plist: %w", err)
	}

	var info map[string]interface{}
	format, err := plist.Unmarshal(data, &info)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse Info.plist: %w", err)
	}
	if info == nil {
		return nil, 0, fmt.Errorf("failed to parse Info.plist: not a dictionary")
	}
	return info, format, nil
}
