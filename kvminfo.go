//go:build linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c35s/sectorvm/kvm"
	"github.com/c35s/sectorvm/vmm/arch"
)

var kvmInfoCmd = &cobra.Command{
	Use:   "kvm-info",
	Short: "print the KVM API version and extensions",
	Long:  "kvm-info prints the KVM API version, the value of each known extension, and whether this host can run sectorvm.",
	Args:  cobra.NoArgs,
	RunE:  kvmInfo,
}

func init() {
	rootCmd.AddCommand(kvmInfoCmd)
}

func kvmInfo(cmd *cobra.Command, _ []string) error {
	sys, err := kvm.Open()
	if err != nil {
		return err
	}

	defer sys.Close()

	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "KVM API version: %d\n", version)

	fmt.Fprintln(w, "\n# extensions")
	for _, c := range kvm.AllCaps() {
		v, err := kvm.CheckExtension(sys, c)
		if err != nil {
			return fmt.Errorf("check %v: %w", c, err)
		}

		fmt.Fprintf(w, "%v: %v\n", c, v)
	}

	fmt.Fprintln(w)
	if err := arch.ValidateKVM(sys); err != nil {
		logger.Warn("host is not supported", "err", err)
		fmt.Fprintf(w, "supported: no (%v)\n", err)
		return nil
	}

	fmt.Fprintln(w, "supported: yes")

	return nil
}
