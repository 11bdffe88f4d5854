package codesign

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/go-macho"
)

// FrameworksDir is the bundle directory holding independently signed nested code
const FrameworksDir = "Frameworks"

// SignableUnit is a path that gets its own codesign invocation
type SignableUnit struct {
	Path   string
	Nested bool
}

// SignableUnits returns the units of an app bundle in signing order: every
// framework or library under Frameworks/, then the bundle itself. Nested code
// must be signed first because signing a container seals its contents.
func SignableUnits(appPath string) ([]SignableUnit, error) {
	var units []SignableUnit

	frameworksPath := filepath.Join(appPath, FrameworksDir)
	entries, err := os.ReadDir(frameworksPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	for _, entry := range entries {
		path := filepath.Join(frameworksPath, entry.Name())
		if isNestedCode(path, entry) {
			units = append(units, SignableUnit{Path: path, Nested: true})
		}
	}

	return append(units, SignableUnit{Path: appPath}), nil
}

func isNestedCode(path string, entry os.DirEntry) bool {
	ext := strings.ToLower(filepath.Ext(entry.Name()))
	if entry.IsDir() {
		return ext == ".framework"
	}
	if !entry.Type().IsRegular() {
		return false
	}
	if ext == ".dylib" {
		return true
	}
	return isMachO(path)
}

// isMachO reports whether path is a thin or universal Mach-O binary
func isMachO(path string) bool {
	fat, err := macho.OpenFat(path)
	if err == nil {
		fat.Close()
		return true
	}
	if !errors.Is(err, macho.ErrNotFat) {
		return false
	}
	m, err := macho.Open(path)
	if err != nil {
		return false
	}
	m.Close()
	return true
}

// Architectures lists the CPU types of a thin or universal Mach-O binary
func Architectures(path string) ([]string, error) {
	fat, err := macho.OpenFat(path)
	if err == nil {
		defer fat.Close()
		arches := make([]string, 0, len(fat.Arches))
		for _, arch := range fat.Arches {
			arches = append(arches, arch.CPU.String())
		}
		return arches, nil
	}
	if !errors.Is(err, macho.ErrNotFat) {
		return nil, err
	}

	m, err := macho.Open(path)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return []string{m.CPU.String()}, nil
}

// Signer runs codesign for one unit at a time with a fixed identity,
// entitlements document and keychain
type Signer struct {
	Runner           Runner
	Tools            Tools
	Identity         SigningIdentity
	EntitlementsPath string
	KeychainPath     string
}

// Sign force-signs a single unit
func (s Signer) Sign(ctx context.Context, unit SignableUnit) error {
	tools := s.Tools.WithDefaults()
	res, err := s.Runner.Run(ctx, Cmd{
		Name: tools.Codesign,
		Args: []string{
			"--force",
			"--sign", s.Identity.Key(),
			"--entitlements", s.EntitlementsPath,
			"--keychain", s.KeychainPath,
			unit.Path,
		},
	})
	if err != nil || res.ExitCode != 0 {
		return toolError(KindSigningFailed, unit.Path, res, err)
	}
	return nil
}

// SignAll signs units in order and stops at the first failure. before is
// called ahead of each unit and may be nil.
func (s Signer) SignAll(ctx context.Context, units []SignableUnit, before func(SignableUnit)) error {
	for _, unit := range units {
		if before != nil {
			before(unit)
		}
		if err := s.Sign(ctx, unit); err != nil {
			return err
		}
	}
	return nil
}
