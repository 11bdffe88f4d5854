// Package codesign re-signs iOS application archives.
//
// The pipeline extracts an .ipa into a private scratch directory, swaps the
// embedded provisioning profile, optionally rewrites the bundle identifier,
// extracts the profile's entitlements and signs every nested framework and
// library before the app bundle itself. The result is zipped back into an
// .ipa. Signing is delegated to Apple's codesign tool, and profile decoding
// to `security cms` unless NativeDecoder is used.
//
// # Basic Usage
//
//	resigner := codesign.NewResigner(logger)
//	output, err := resigner.Resign(ctx, codesign.ResignRequest{
//	    SourceArchivePath:       "App.ipa",
//	    ProvisioningProfilePath: "dev.mobileprovision",
//	    Identity:                identity,
//	    OutputPath:              "App-resigned",
//	}, nil)
//
// Identities come from IdentityDirectory, which lists the code-signing
// identities of a keychain.
//
// # Errors
//
// Every stage fails with an *Error whose Kind says which stage failed.
// Use errors.Is with the Err* sentinels to match a kind:
//
//	if errors.Is(err, codesign.ErrSigningFailed) {
//	    fmt.Println(codesign.ToolOutput(err))
//	}
package codesign
