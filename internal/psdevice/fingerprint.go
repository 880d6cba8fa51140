// Package psdevice tracks this device's identity and its per-direction
// sync watermarks: the last timestamps successfully uploaded and
// downloaded, used to avoid re-sending or re-fetching the same changes.
package psdevice

import (
	"fmt"
	"runtime"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
)

// fingerprintInputs are the stable platform facts folded into a
// device's identity. Two processes on genuinely different machines
// should almost never collide; the same machine re-running the
// fingerprint should always reproduce the same id.
type fingerprintInputs struct {
	OS         string
	Arch       string
	HostSalt   string
	AppInstall string
}

// Fingerprint derives a stable device identifier from hostSalt (e.g. a
// machine id read by the host application) and appInstallPath (the
// embedded database's own file path, which differs across installs on
// the same machine). It is deterministic: the same inputs always yield
// the same id, so a reinstalled app with the same install path and host
// salt recovers its prior device identity instead of minting a new one.
func Fingerprint(hostSalt, appInstallPath string) (string, error) {
	in := fingerprintInputs{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		HostSalt:   hostSalt,
		AppInstall: appInstallPath,
	}
	h, err := hashstructure.Hash(in, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("psdevice: fingerprint: %w", err)
	}
	return fmt.Sprintf("%016x", h), nil
}

// GenerateRandomDeviceID mints a fresh random device identity for hosts
// that can't supply a stable platform salt to Fingerprint (e.g. a
// sandboxed environment with no persistent machine id). Unlike
// Fingerprint it is not reproducible — callers that use it must persist
// the result themselves, since calling it again yields a different id.
func GenerateRandomDeviceID() string {
	return uuid.NewString()
}
