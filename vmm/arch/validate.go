//go:build linux

package arch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/c35s/sectorvm/kvm"
)

var (
	ErrAPIVersion  = errors.New("arch: unstable KVM API version")
	ErrMissingCaps = errors.New("arch: missing KVM extensions")
)

// requiredCaps are the KVM extensions required for all architectures.
// See archCaps for required arch-specific extensions.
var requiredCaps = []kvm.Cap{
	kvm.CapHLT,
	kvm.CapUserMemory,
	kvm.CapImmediateExit,
}

// ValidateKVM returns an error if KVM speaks an API version other than
// kvm.StableAPIVersion or doesn't support the required extensions.
func ValidateKVM(sys *kvm.System) error {
	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		return err
	}

	if version != kvm.StableAPIVersion {
		return fmt.Errorf("%w: %d != %d", ErrAPIVersion, version, kvm.StableAPIVersion)
	}

	caps := append([]kvm.Cap(nil), requiredCaps...)
	caps = append(caps, archCaps...)

	var missing []kvm.Cap
	for _, cap := range caps {
		val, err := kvm.CheckExtension(sys, cap)
		if err != nil {
			return err
		}

		if val < 1 {
			missing = append(missing, cap)
		}
	}

	if len(missing) > 0 {
		var names []string
		for _, cap := range missing {
			names = append(names, cap.String())
		}

		return fmt.Errorf("%w: %s", ErrMissingCaps, strings.Join(names, ","))
	}

	return nil
}
