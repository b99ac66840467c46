package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/marking"
)

var processFlags struct {
	workspace string
	stream    string
	image     string
	tool      string
	devices   string
	json      bool
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process one image through a stream and print the markings",
	RunE:  runProcess,
}

func init() {
	f := processCmd.Flags()
	f.StringVar(&processFlags.workspace, "workspace", "", "workspace file (required)")
	f.StringVar(&processFlags.stream, "stream", "", "stream name; defaults to the only stream")
	f.StringVar(&processFlags.image, "image", "", "PNG, JPEG, GIF, BMP or TIFF image (required)")
	f.StringVar(&processFlags.tool, "tool", "", "process only this tool and its ancestors")
	f.StringVar(&processFlags.devices, "devices", "", "comma separated device ids")
	f.BoolVar(&processFlags.json, "json", false, "print full markings as JSON")

	_ = processCmd.MarkFlagRequired("workspace")
	_ = processCmd.MarkFlagRequired("image")
}

func runProcess(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	img, err := imaging.Load(processFlags.image)
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}
	devices, err := parseDevices(processFlags.devices)
	if err != nil {
		return err
	}

	ctrl, err := openControl(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	st, err := openStream(ctx, ctrl, processFlags.workspace, processFlags.stream)
	if err != nil {
		return err
	}
	smp, err := st.CreateSample(ctx, img)
	if err != nil {
		return err
	}
	defer smp.Close(ctx)

	if err := smp.Process(ctx, processFlags.tool, devices); err != nil {
		return err
	}
	ms, err := smp.Markings(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if processFlags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ms)
	}
	names := make([]string, 0, len(ms))
	for name := range ms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := ms[name]
		fmt.Fprintf(out, "%-16s %-8s views=%-3d score=%.3f devices=%v took=%s\n",
			name, m.Kind, m.Result.ViewCount(), marking.Score(m.Result), m.Devices, m.Duration)
	}
	return nil
}
