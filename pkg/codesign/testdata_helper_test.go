package codesign

import (
	"archive/zip"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"howett.net/plist"
)

const (
	testKeychain    = "/Users/test/Library/Keychains/login.keychain-db"
	testFingerprint = "ABCDEF1234567890ABCDEF1234567890ABCDEF12"
	testProfileData = "signed profile container"
)

var testIdentity = SigningIdentity{ID: testFingerprint, DisplayName: "Apple Development: Test (TEAM123456)"}

// fakeRunner emulates unzip, zip, codesign and security. Archives are handled
// with archive/zip; security answers with canned output.
type fakeRunner struct {
	// ProfileContent is printed by `security cms -D`; nil makes it fail
	ProfileContent []byte
	// Identities is printed by `security find-identity`
	Identities string
	// FailSign makes codesign exit 1 for units with this base name
	FailSign string
	// FailTool makes the named tool exit 1 with this stderr
	FailTool map[string]string

	mu    sync.Mutex
	calls []Cmd

	// entitlements holds the document passed to each codesign call, in call order
	entitlements [][]byte
}

func (f *fakeRunner) Run(ctx context.Context, cmd Cmd) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if stderr, ok := f.FailTool[cmd.Name]; ok {
		return Result{Stderr: []byte(stderr), ExitCode: 1}, nil
	}

	switch cmd.Name {
	case "unzip":
		// -q <ipa> -d <dest>
		if err := extractZip(cmd.Args[1], cmd.Args[3]); err != nil {
			return Result{Stderr: []byte(err.Error()), ExitCode: 9}, nil
		}
	case "zip":
		// -qry <output> Payload
		if err := createZip(cmd.Args[1], cmd.Dir, cmd.Args[2]); err != nil {
			return Result{Stderr: []byte(err.Error()), ExitCode: 15}, nil
		}
	case "codesign":
		f.recordEntitlements(cmd)
		unit := cmd.Args[len(cmd.Args)-1]
		if f.FailSign != "" && filepath.Base(unit) == f.FailSign {
			return Result{Stderr: []byte(unit + ": errSecInternalComponent"), ExitCode: 1}, nil
		}
	case "security":
		switch cmd.Args[0] {
		case "default-keychain":
			return Result{Stdout: []byte(fmt.Sprintf("    %q\n", testKeychain))}, nil
		case "find-identity":
			return Result{Stdout: []byte(f.Identities)}, nil
		case "cms":
			if f.ProfileContent == nil {
				return Result{Stderr: []byte("security: failed to decode message"), ExitCode: 1}, nil
			}
			return Result{Stdout: f.ProfileContent}, nil
		}
		return Result{ExitCode: 2}, nil
	default:
		return Result{}, fmt.Errorf("exec: %q: executable file not found in $PATH", cmd.Name)
	}
	return Result{}, nil
}

func (f *fakeRunner) recordEntitlements(cmd Cmd) {
	for i, arg := range cmd.Args[:len(cmd.Args)-1] {
		if arg != "--entitlements" {
			continue
		}
		data, _ := os.ReadFile(cmd.Args[i+1])
		f.mu.Lock()
		f.entitlements = append(f.entitlements, data)
		f.mu.Unlock()
		return
	}
}

// callsTo returns the recorded invocations of the named tool
func (f *fakeRunner) callsTo(name string, firstArg ...string) []Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Cmd
	for _, c := range f.calls {
		if c.Name != name {
			continue
		}
		if len(firstArg) > 0 && (len(c.Args) == 0 || c.Args[0] != firstArg[0]) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// signedUnits returns the base names of everything codesign was asked to sign, in order
func (f *fakeRunner) signedUnits() []string {
	var units []string
	for _, c := range f.callsTo("codesign") {
		units = append(units, filepath.Base(c.Args[len(c.Args)-1]))
	}
	return units
}

func extractZip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		fpath := filepath.Join(dest, f.Name)

		// Check for ZipSlip vulnerability
		if !strings.HasPrefix(fpath, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("invalid file path: %s", fpath)
		}

		if f.FileInfo().IsDir() {
			os.MkdirAll(fpath, os.ModePerm)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
			return err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}

		_, err = io.Copy(outFile, rc)
		outFile.Close()
		rc.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

// createZip archives dir/root recursively with entry names relative to dir
func createZip(output, dir, root string) error {
	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()

	w := zip.NewWriter(out)
	err = filepath.WalkDir(filepath.Join(dir, root), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			_, err := w.Create(name + "/")
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		fw, err := w.Create(name)
		if err != nil {
			return err
		}
		_, err = fw.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	return w.Close()
}

// writeIPA builds an archive at path holding files, keyed by slash-separated entry name
func writeIPA(t *testing.T, path string, files map[string]string) {
	t.Helper()
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create IPA: %v", err)
	}
	defer out.Close()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	w := zip.NewWriter(out)
	for _, name := range names {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("Failed to add %s: %v", name, err)
		}
		if _, err := fw.Write([]byte(files[name])); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to finalize IPA: %v", err)
	}
}

// readIPA returns the entries of an archive, directories excluded
func readIPA(t *testing.T, path string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open IPA %s: %v", path, err)
	}
	defer r.Close()

	entries := make(map[string]string)
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("Failed to open entry %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("Failed to read entry %s: %v", f.Name, err)
		}
		entries[f.Name] = string(data)
	}
	return entries
}

func testInfoPlist(t *testing.T, bundleID string) string {
	t.Helper()
	data, err := plist.MarshalIndent(map[string]interface{}{
		"CFBundleIdentifier": bundleID,
		"CFBundleExecutable": "App",
		"CFBundleName":       "App",
	}, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatalf("Failed to marshal Info.plist: %v", err)
	}
	return string(data)
}

// testProfileContent returns a decoded profile plist with the given entitlements
func testProfileContent(t *testing.T, entitlements map[string]interface{}, certs ...[]byte) []byte {
	t.Helper()
	doc := map[string]interface{}{
		"Name":           "Test Profile",
		"UUID":           "6F1A2B3C-0000-4000-8000-000000000001",
		"TeamIdentifier": []string{"TEAM123456"},
		"CreationDate":   time.Now().Add(-24 * time.Hour).UTC(),
		"ExpirationDate": time.Now().Add(365 * 24 * time.Hour).UTC(),
	}
	if entitlements != nil {
		doc["Entitlements"] = entitlements
	}
	if len(certs) > 0 {
		doc["DeveloperCertificates"] = certs
	}
	data, err := plist.MarshalIndent(doc, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatalf("Failed to marshal profile: %v", err)
	}
	return data
}

func testEntitlements() map[string]interface{} {
	return map[string]interface{}{
		"application-identifier":              "TEAM123456.com.example.app",
		"com.apple.developer.team-identifier": "TEAM123456",
		"get-task-allow":                      true,
	}
}

// testCertificate returns a self-signed certificate and its key
func testCertificate(t *testing.T, commonName string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:         commonName,
			OrganizationalUnit: []string{"TEAM123456"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert, key
}
