package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcules/vidi-runtime/internal/device"
)

var devicesFlags struct {
	init string
	ids  string
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List compute devices, optionally initializing them first",
	RunE:  runDevices,
}

func init() {
	f := devicesCmd.Flags()
	f.StringVar(&devicesFlags.init, "init", "", "initialize with this mode (single|multiple) before listing")
	f.StringVar(&devicesFlags.ids, "ids", "", "comma separated device ids for --init")
}

func runDevices(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	ctrl, err := openControl(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	var rep device.Report
	if devicesFlags.init != "" {
		mode, err := device.ParseMode(devicesFlags.init)
		if err != nil {
			return err
		}
		ids, err := parseDevices(devicesFlags.ids)
		if err != nil {
			return err
		}
		if rep, err = ctrl.InitializeComputeDevices(ctx, mode, ids); err != nil {
			return err
		}
	} else if rep, err = ctrl.ComputeDevices(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mode:    %s\n", rep.Mode)
	if rep.Reduced {
		fmt.Fprintf(out, "Note:    fewer than two devices; multiple mode brings no speedup\n")
	}
	for _, d := range rep.Devices {
		fmt.Fprintf(out, "  #%d  %s  %d MiB\n", d.ID, d.Name, d.MemoryBytes>>20)
	}
	return nil
}
