// SPDX-License-Identifier: MIT
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"biostream/internal/transport/soundcard"
	"biostream/internal/tui"
)

func newDevicesCommand() *cobra.Command {
	var pick bool
	c := &cobra.Command{
		Use:   "devices",
		Short: "List sound-card capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := soundcard.Initialize(); err != nil {
				return err
			}
			defer soundcard.Terminate()

			out := cmd.OutOrStdout()
			if !pick {
				devices, err := soundcard.HostDevices()
				if err != nil {
					return err
				}
				soundcard.WriteDevices(out, devices)
				return nil
			}

			sel, err := tui.SelectDevice()
			if err != nil || !sel.Chosen {
				return err
			}
			fmt.Fprintf(out, "session:\n  sample_rate: %.0f\ntransport:\n  kind: soundcard\n  soundcard:\n    device: %d\n",
				sel.SampleRate, sel.Device.ID)
			return nil
		},
	}
	c.Flags().BoolVarP(&pick, "select", "s", false, "Pick a device interactively and print its configuration")
	return c
}
