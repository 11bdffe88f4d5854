package codesign

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const entitlementsFileName = "entitlements.plist"

// ResignRequest contains everything one re-signing run needs. It is passed by
// value and never modified; fields are validated as they are consumed.
type ResignRequest struct {
	SourceArchivePath       string // Path to the input .ipa
	ProvisioningProfilePath string // Path to the new .mobileprovision
	Identity                SigningIdentity
	NewBundleIdentifier     string // Optional: if set, changes the bundle ID
	OutputPath              string // .ipa is appended if missing
}

// Resigner runs the re-signing pipeline. It holds no per-run state, so one
// Resigner may serve concurrent Resign calls.
type Resigner struct {
	Runner Runner
	Tools  Tools
	// Decoder unwraps provisioning profiles; defaults to `security cms -D`
	Decoder ProfileDecoder
	// Keychain overrides the default keychain passed to codesign
	Keychain string
	// ScratchRoot is where per-run working directories are created; defaults to os.TempDir()
	ScratchRoot string
	Logger      zerolog.Logger
}

// NewResigner returns a Resigner that shells out to the stock macOS tools
func NewResigner(logger zerolog.Logger) *Resigner {
	return &Resigner{
		Runner: ExecRunner{Logger: logger},
		Tools:  DefaultTools(),
		Logger: logger,
	}
}

// Resign re-signs req.SourceArchivePath and writes the result, returning the
// resolved output path. Stages run strictly in order and the first failure
// aborts the run; the scratch directory is removed on every exit path.
func (r *Resigner) Resign(ctx context.Context, req ResignRequest, progress Progress) (string, error) {
	if progress == nil {
		progress = nopProgress{}
	}
	if req.Identity.Key() == "" {
		return "", newError(KindCertificateNotFound, "", "no signing identity selected", nil)
	}

	outputPath := NormalizeOutputPath(req.OutputPath)
	log := r.Logger.With().
		Str("source", req.SourceArchivePath).
		Str("output", outputPath).
		Str("identity", req.Identity.Key()).
		Logger()

	scratchDir, err := r.allocateScratch()
	if err != nil {
		return "", err
	}
	defer func() {
		if err := os.RemoveAll(scratchDir); err != nil {
			log.Warn().Err(err).Str("scratch", scratchDir).Msg("failed to remove scratch directory")
		}
	}()
	log.Debug().Str("scratch", scratchDir).Msg("allocated scratch directory")

	started := time.Now()
	report := func(stage, path string) {
		log.Debug().Str("stage", stage).Str("path", path).Dur("elapsed", time.Since(started)).Msg(stage)
		progress.Report(ProgressEvent{Stage: stage, Path: path})
	}

	report(StageExtracting, "")
	if err := ExtractIPA(ctx, r.Runner, r.Tools, req.SourceArchivePath, scratchDir); err != nil {
		return "", err
	}
	appPath, err := FindAppBundle(scratchDir)
	if err != nil {
		return "", err
	}

	report(StageReplacingProfile, "")
	if err := ReplaceProvisioningProfile(appPath, req.ProvisioningProfilePath); err != nil {
		return "", err
	}

	if req.NewBundleIdentifier != "" {
		report(StageUpdatingIdentifier, "")
		updated, err := UpdateBundleID(appPath, req.NewBundleIdentifier)
		if err != nil {
			return "", err
		}
		if !updated {
			log.Warn().Str("app", appPath).Msg("Info.plist missing or unparsable, bundle identifier left unchanged")
		}
	}

	// Entitlements are extracted once and shared by every unit
	report(StageExtractingEntitlements, "")
	entitlementsPath, err := r.extractEntitlements(ctx, log, req, scratchDir)
	if err != nil {
		return "", err
	}

	keychain := r.Keychain
	if keychain == "" {
		keychain, err = DefaultKeychain(ctx, r.Runner, r.Tools)
		if err != nil {
			return "", err
		}
	}

	units, err := SignableUnits(appPath)
	if err != nil {
		return "", fmt.Errorf("failed to enumerate nested code: %w", err)
	}

	signer := Signer{
		Runner:           r.Runner,
		Tools:            r.Tools,
		Identity:         req.Identity,
		EntitlementsPath: entitlementsPath,
		KeychainPath:     keychain,
	}
	err = signer.SignAll(ctx, units, func(unit SignableUnit) {
		rel, _ := filepath.Rel(scratchDir, unit.Path)
		report(StageSigning, rel)
	})
	if err != nil {
		log.Error().Err(err).Str("output", ToolOutput(err)).Msg("codesign failed")
		return "", err
	}
	if err := os.Remove(entitlementsPath); err != nil {
		log.Warn().Err(err).Msg("failed to remove entitlements document")
	}

	report(StagePackaging, "")
	if err := PackageIPA(ctx, r.Runner, r.Tools, scratchDir, outputPath); err != nil {
		return "", err
	}

	report(StageComplete, outputPath)
	return outputPath, nil
}

// allocateScratch creates a working directory private to one run
func (r *Resigner) allocateScratch() (string, error) {
	root := r.ScratchRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", newError(KindScratchAllocationFailed, root, "", err)
	}

	dir := filepath.Join(root, "resign-"+uuid.NewString())
	if err := os.Mkdir(dir, 0700); err != nil {
		return "", newError(KindScratchAllocationFailed, dir, "", err)
	}
	return dir, nil
}

func (r *Resigner) extractEntitlements(ctx context.Context, log zerolog.Logger, req ResignRequest, scratchDir string) (string, error) {
	entitlementsPath := filepath.Join(scratchDir, entitlementsFileName)
	profile, err := extractTrustMaterial(ctx, r.decoder(), req.ProvisioningProfilePath, entitlementsPath)
	if err != nil {
		return "", err
	}

	// Advisory only: certificates are never validated here
	if profile.IsExpired() {
		log.Warn().Str("profile", profile.Name).Time("expired", profile.ExpirationDate).Msg("provisioning profile has expired")
	}
	if len(profile.DeveloperCertificates) > 0 && !profile.AllowsIdentity(req.Identity) {
		log.Warn().Str("profile", profile.Name).Msg("signing identity is not among the profile's developer certificates")
	}

	return entitlementsPath, nil
}

func (r *Resigner) decoder() ProfileDecoder {
	if r.Decoder != nil {
		return r.Decoder
	}
	return CMSDecoder{Runner: r.Runner, Tools: r.Tools}
}
