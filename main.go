package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"

	"github.com/aluedeke/go-resign/internal/config"
	"github.com/aluedeke/go-resign/internal/logging"
	"github.com/aluedeke/go-resign/pkg/codesign"
)

const version = "1.0.0"

const usage = `go-resign - iOS IPA Re-signing Tool

Re-signs an existing .ipa with a new provisioning profile and a code-signing
identity from the keychain, using the macOS codesign and security tools.

Usage:
  go-resign resign --ipa=<path> [--profile=<path>] [--identity=<id>] [--p12=<path>] [--password=<password>] [--output=<path>] [--bundleid=<id>] [options]
  go-resign identities [options]
  go-resign info --app=<path> [options]
  go-resign info --profile=<path> [options]
  go-resign -h | --help
  go-resign --version

Commands:
  resign      Re-sign an IPA with a new profile and signing identity
  identities  List the code-signing identities in the keychain
  info        Display information about an IPA, .app bundle or provisioning profile

Options:
  --ipa=<path>          Path to the input .ipa file
  --app=<path>          Path to an .ipa file or .app bundle (info command)
  --profile=<path>      Path to the provisioning profile (or RESIGN_PROFILE env var)
  --identity=<id>       Signing identity fingerprint or name (or RESIGN_IDENTITY env var)
  --p12=<path>          Select the identity matching an imported P12 (or RESIGN_P12 env var)
  --password=<password> Password for the P12 file (or RESIGN_P12_PASSWORD env var)
  --output=<path>       Output path, .ipa is appended if missing (defaults to input-resigned.ipa)
  --bundleid=<id>       New bundle ID to apply (optional)
  --config=<path>       Configuration file [default: ~/.go-resign.yaml]
  --keychain=<path>     Keychain to search and sign with (overrides config)
  --log-level=<level>   Log level: debug, info, warn, error (overrides config)
  -h --help             Show this help message
  --version             Show version

Environment Variables:
  RESIGN_PROFILE        Path to provisioning profile (overridden by --profile)
  RESIGN_IDENTITY       Signing identity (overridden by --identity)
  RESIGN_P12            Path to P12 file (overridden by --p12)
  RESIGN_P12_PASSWORD   P12 password (overridden by --password)

Examples:
  # Re-sign with an identity from the default keychain
  go-resign resign --ipa=MyApp.ipa --profile=dev.mobileprovision --identity="Apple Development: Jane Doe (ABCD123456)"

  # Re-sign and change the bundle ID
  go-resign resign --ipa=MyApp.ipa --profile=dev.mobileprovision --identity=ABCDEF1234567890ABCDEF1234567890ABCDEF12 --bundleid=com.example.newapp

  # Pick the identity from a P12 that is already imported
  go-resign resign --ipa=MyApp.ipa --profile=dev.mobileprovision --p12=cert.p12 --password=secret

  # List available identities
  go-resign identities

  # View IPA or provisioning profile information
  go-resign info --app=MyApp.ipa
  go-resign info --profile=dev.mobileprovision
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if resign, _ := opts.Bool("resign"); resign {
		err = runResign(opts, cfg, logger)
	} else if identities, _ := opts.Bool("identities"); identities {
		err = runIdentities(cfg, logger)
	} else if info, _ := opts.Bool("info"); info {
		err = runInfo(opts, cfg, logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		closer.Close()
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) (*config.Config, error) {
	path, _ := opts.String("--config")
	if path == "~/.go-resign.yaml" {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if keychain, _ := opts.String("--keychain"); keychain != "" {
		cfg.Keychain = keychain
	}
	if level, _ := opts.String("--log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

// flagOrEnv returns the flag value, falling back to the environment variable
func flagOrEnv(opts docopt.Opts, flag, env string) string {
	if v, _ := opts.String(flag); v != "" {
		return v
	}
	return os.Getenv(env)
}

func runResign(opts docopt.Opts, cfg *config.Config, logger zerolog.Logger) error {
	inputPath, _ := opts.String("--ipa")
	outputPath, _ := opts.String("--output")
	bundleID, _ := opts.String("--bundleid")
	profilePath := flagOrEnv(opts, "--profile", "RESIGN_PROFILE")
	identityQuery := flagOrEnv(opts, "--identity", "RESIGN_IDENTITY")
	p12Path := flagOrEnv(opts, "--p12", "RESIGN_P12")
	password := flagOrEnv(opts, "--password", "RESIGN_P12_PASSWORD")

	if profilePath == "" {
		return fmt.Errorf("--profile is required (or set RESIGN_PROFILE environment variable)")
	}
	if identityQuery == "" && p12Path == "" {
		return fmt.Errorf("--identity or --p12 is required (or set RESIGN_IDENTITY / RESIGN_P12)")
	}

	if outputPath == "" {
		ext := filepath.Ext(inputPath)
		outputPath = strings.TrimSuffix(inputPath, ext) + "-resigned" + codesign.IPAExtension
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	runner := codesign.ExecRunner{Logger: logger}
	directory := codesign.IdentityDirectory{Runner: runner, Tools: cfg.Tools, Keychain: cfg.Keychain}

	if p12Path != "" {
		p12Data, err := os.ReadFile(p12Path)
		if err != nil {
			return fmt.Errorf("failed to read P12 file: %w", err)
		}
		fromP12, err := codesign.IdentityFromP12(p12Data, password)
		if err != nil {
			return err
		}
		identityQuery = fromP12.ID
	}
	identity, err := directory.Find(ctx, identityQuery)
	if err != nil {
		return err
	}

	fmt.Printf("Resigning IPA: %s\n", inputPath)
	fmt.Printf("Using identity: %s\n", identity)
	fmt.Printf("Using profile: %s\n", profilePath)
	fmt.Printf("Output: %s\n", codesign.NormalizeOutputPath(outputPath))
	if bundleID != "" {
		fmt.Printf("New Bundle ID: %s\n", bundleID)
	}
	fmt.Println()

	resigner := codesign.NewResigner(logger)
	resigner.Tools = cfg.Tools
	resigner.Decoder = cfg.ProfileDecoder(resigner.Runner)
	resigner.Keychain = cfg.Keychain
	resigner.ScratchRoot = cfg.ScratchDir

	req := codesign.ResignRequest{
		SourceArchivePath:       inputPath,
		ProvisioningProfilePath: profilePath,
		Identity:                identity,
		NewBundleIdentifier:     bundleID,
		OutputPath:              outputPath,
	}

	output, err := resigner.Resign(ctx, req, codesign.ProgressFunc(func(e codesign.ProgressEvent) {
		fmt.Printf("  %s\n", e)
	}))
	if err != nil {
		return err
	}

	fmt.Printf("Successfully resigned IPA: %s\n", output)
	return nil
}

func runIdentities(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	directory := codesign.IdentityDirectory{
		Runner:   codesign.ExecRunner{Logger: logger},
		Tools:    cfg.Tools,
		Keychain: cfg.Keychain,
	}
	identities, err := directory.List(ctx)
	if err != nil {
		return err
	}

	if len(identities) == 0 {
		fmt.Println("No code-signing identities found")
		return nil
	}
	for i, identity := range identities {
		fmt.Printf("  %d) %s \"%s\"\n", i+1, identity.Key(), identity.DisplayName)
	}
	fmt.Printf("     %d valid identities found\n", len(identities))
	return nil
}

func runInfo(opts docopt.Opts, cfg *config.Config, logger zerolog.Logger) error {
	inputPath, _ := opts.String("--app")
	profilePath, _ := opts.String("--profile")

	if inputPath != "" {
		return showAppInfo(inputPath, cfg, logger)
	} else if profilePath != "" {
		return showProfileInfo(profilePath)
	}

	return fmt.Errorf("either --app or --profile is required")
}

func showAppInfo(inputPath string, cfg *config.Config, logger zerolog.Logger) error {
	appPath := inputPath
	isIPA := strings.EqualFold(filepath.Ext(inputPath), codesign.IPAExtension)

	if isIPA {
		tempDir, err := os.MkdirTemp(cfg.ScratchDir, "resign-info-*")
		if err != nil {
			return fmt.Errorf("failed to create temp directory: %w", err)
		}
		defer os.RemoveAll(tempDir)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		runner := codesign.ExecRunner{Logger: logger}
		if err := codesign.ExtractIPA(ctx, runner, cfg.Tools, inputPath, tempDir); err != nil {
			return err
		}
		appPath, err = codesign.FindAppBundle(tempDir)
		if err != nil {
			return err
		}
	}

	bundleID, err := codesign.GetAppBundleID(appPath)
	if err != nil {
		return fmt.Errorf("failed to get bundle ID: %w", err)
	}
	execName, err := codesign.GetAppExecutableName(appPath)
	if err != nil {
		return fmt.Errorf("failed to get executable name: %w", err)
	}

	if isIPA {
		fmt.Println("IPA Information")
		fmt.Println("===============")
		fmt.Printf("File:        %s\n", inputPath)
	} else {
		fmt.Println("App Bundle Information")
		fmt.Println("======================")
		fmt.Printf("Path:        %s\n", inputPath)
	}
	fmt.Printf("App Name:    %s\n", filepath.Base(appPath))
	fmt.Printf("Bundle ID:   %s\n", bundleID)
	fmt.Printf("Executable:  %s\n", execName)
	if arches, err := codesign.Architectures(filepath.Join(appPath, execName)); err == nil {
		fmt.Printf("Arch:        %s\n", strings.Join(arches, ", "))
	}

	units, err := codesign.SignableUnits(appPath)
	if err == nil && len(units) > 1 {
		fmt.Printf("Nested code: %d\n", len(units)-1)
		for _, unit := range units[:len(units)-1] {
			fmt.Printf("  - %s\n", filepath.Base(unit.Path))
		}
	}

	embedded := filepath.Join(appPath, codesign.EmbeddedProfileName)
	if _, err := os.Stat(embedded); err == nil {
		profile, err := codesign.LoadProvisioningProfile(context.Background(), codesign.NativeDecoder{}, embedded)
		if err == nil {
			fmt.Println()
			fmt.Println("Embedded Provisioning Profile")
			fmt.Println("-----------------------------")
			printProfileSummary(profile)
		}
	}

	return nil
}

func showProfileInfo(profilePath string) error {
	profile, err := codesign.LoadProvisioningProfile(context.Background(), codesign.NativeDecoder{}, profilePath)
	if err != nil {
		return err
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Created:        %s\n", profile.CreationDate.Format("2006-01-02 15:04:05"))
	printProfileSummary(profile)

	if len(profile.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(profile.ProvisionedDevices))
		fmt.Println()
		fmt.Println("Provisioned Devices:")
		for _, udid := range profile.ProvisionedDevices {
			fmt.Printf("  - %s\n", udid)
		}
	}

	if len(profile.Entitlements) > 0 {
		data, err := codesign.EntitlementsToXML(profile.Entitlements)
		if err == nil {
			fmt.Println()
			fmt.Println("Entitlements:")
			fmt.Println(string(data))
		}
	}

	return nil
}

func printProfileSummary(profile *codesign.ProvisioningProfile) {
	fmt.Printf("Team ID:        %s\n", profile.GetTeamID())
	fmt.Printf("App ID:         %s\n", profile.GetApplicationIdentifier())
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", profile.IsExpired())

	certs, err := profile.GetCertificates()
	if err != nil {
		return
	}
	fingerprints := profile.CertificateFingerprints()
	fmt.Printf("Certificates:   %d\n", len(certs))
	for i, cert := range certs {
		fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
		fmt.Printf("      SHA-1: %s\n", fingerprints[i])
		fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		if len(cert.Subject.OrganizationalUnit) > 0 {
			fmt.Printf("      Team ID: %s\n", cert.Subject.OrganizationalUnit[0])
		}
	}
}
