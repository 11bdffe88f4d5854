package codesign

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// PayloadDir is the top-level container directory inside an IPA
	PayloadDir = "Payload"
	// IPAExtension is the extension every packaged archive must carry
	IPAExtension = ".ipa"

	appBundleExt = ".app"
)

// ExtractIPA unpacks ipaPath into destDir with the unzip tool, preserving the
// archive's directory structure.
func ExtractIPA(ctx context.Context, runner Runner, tools Tools, ipaPath, destDir string) error {
	info, err := os.Stat(ipaPath)
	if err != nil {
		return newError(KindInvalidArchivePath, ipaPath, "source archive not found", err)
	}
	if info.IsDir() {
		return newError(KindInvalidArchivePath, ipaPath, "source archive is a directory", nil)
	}

	tools = tools.WithDefaults()
	res, err := runner.Run(ctx, Cmd{
		Name: tools.Unzip,
		Args: []string{"-q", ipaPath, "-d", destDir},
	})
	if err != nil || res.ExitCode != 0 {
		return toolError(KindExtractionFailed, ipaPath, res, err)
	}

	// The only content check done here: at least one entry came out
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return newError(KindExtractionFailed, destDir, "failed to read extracted directory", err)
	}
	if len(entries) == 0 {
		return newError(KindExtractionFailed, ipaPath, "archive contained no entries", nil)
	}
	return nil
}

// FindAppBundle finds the single .app bundle inside an extracted IPA.
// Returns the full path to the .app directory.
func FindAppBundle(extractedDir string) (string, error) {
	payloadDir := filepath.Join(extractedDir, PayloadDir)

	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return "", newError(KindInvalidArchiveLayout, payloadDir, "failed to read Payload directory", err)
	}

	var bundles []string
	for _, entry := range entries {
		if entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), appBundleExt) {
			bundles = append(bundles, filepath.Join(payloadDir, entry.Name()))
		}
	}

	switch len(bundles) {
	case 0:
		return "", newError(KindInvalidArchiveLayout, payloadDir, "no .app bundle found in Payload directory", nil)
	case 1:
		return bundles[0], nil
	default:
		return "", newError(KindInvalidArchiveLayout, payloadDir,
			fmt.Sprintf("found %d .app bundles in Payload directory, expected exactly one", len(bundles)), nil)
	}
}

// NormalizeOutputPath appends the .ipa extension unless the path already has it
func NormalizeOutputPath(outputPath string) string {
	if strings.EqualFold(filepath.Ext(outputPath), IPAExtension) {
		return outputPath
	}
	return outputPath + IPAExtension
}

// PackageIPA compresses the Payload directory of scratchDir into outputPath.
// The zip tool runs inside scratchDir so archive entries start at Payload/.
// An existing file at outputPath is replaced, never merged into.
func PackageIPA(ctx context.Context, runner Runner, tools Tools, scratchDir, outputPath string) error {
	absOutput, err := filepath.Abs(outputPath)
	if err != nil {
		return newError(KindPackagingFailed, outputPath, "failed to resolve output path", err)
	}

	if err := os.Remove(absOutput); err != nil && !os.IsNotExist(err) {
		return newError(KindPackagingFailed, absOutput, "failed to remove existing output", err)
	}
	if err := os.MkdirAll(filepath.Dir(absOutput), 0755); err != nil {
		return newError(KindPackagingFailed, absOutput, "failed to create output directory", err)
	}

	tools = tools.WithDefaults()
	res, err := runner.Run(ctx, Cmd{
		Name: tools.Zip,
		Args: []string{"-qry", absOutput, PayloadDir},
		Dir:  scratchDir,
	})
	if err != nil || res.ExitCode != 0 {
		// zip may leave a partial archive behind
		os.Remove(absOutput)
		return toolError(KindPackagingFailed, absOutput, res, err)
	}

	return nil
}

// GetAppBundleID reads the bundle ID from an app's Info.plist
func GetAppBundleID(appPath string) (string, error) {
	info, _, err := readInfoPlist(appPath)
	if err != nil {
		return "", err
	}

	bundleID, ok := info[bundleIdentifierKey].(string)
	if !ok {
		return "", fmt.Errorf("%s not found in Info.plist", bundleIdentifierKey)
	}

	return bundleID, nil
}

// GetAppExecutableName reads the executable name from an app's Info.plist
func GetAppExecutableName(appPath string) (string, error) {
	info, _, err := readInfoPlist(appPath)
	if err != nil {
		return "", err
	}

	execName, ok := info["CFBundleExecutable"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleExecutable not found in Info.plist")
	}

	return execName, nil
}
