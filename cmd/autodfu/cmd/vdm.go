package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/autodfu/pkg/hpm"
)

var vdmCmd = &cobra.Command{
	Use:   "vdm [word...]",
	Short: "Print the register payload for a VDM",
	Long: `Encode vendor-defined message words into the byte sequence written to
the command data register before a VDMs command. Without arguments the
DFU request is encoded.

Examples:
  autodfu vdm
  autodfu vdm 0x5ac8012 0x106 0x80010000`,
	RunE: runVDM,
}

func init() {
	rootCmd.AddCommand(vdmCmd)
}

func runVDM(cmd *cobra.Command, args []string) error {
	words := hpm.DFURequestVDM
	if len(args) > 0 {
		words = make([]uint32, 0, len(args))
		for _, a := range args {
			w, err := strconv.ParseUint(a, 0, 32)
			if err != nil {
				return fmt.Errorf("invalid VDM word %q: %w", a, err)
			}
			words = append(words, uint32(w))
		}
	}

	b, err := hpm.EncodeVDM(words)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d words, %d bytes: %s\n", len(words), len(b), hpm.FormatBytes(b))
	return nil
}
