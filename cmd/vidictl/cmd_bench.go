package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcules/vidi-runtime/internal/imaging"
)

var benchFlags struct {
	workspace string
	stream    string
	image     string
	devices   string
	runs      int
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Time full stream runs on fresh samples",
	Long:  "Each run creates a new sample so nothing is served from the marking cache.\nOne warm-up run precedes the timed runs.",
	RunE:  runBench,
}

func init() {
	f := benchCmd.Flags()
	f.StringVar(&benchFlags.workspace, "workspace", "", "workspace file (required)")
	f.StringVar(&benchFlags.stream, "stream", "", "stream name; defaults to the only stream")
	f.StringVar(&benchFlags.image, "image", "", "image file (required)")
	f.StringVar(&benchFlags.devices, "devices", "", "comma separated device ids")
	f.IntVar(&benchFlags.runs, "runs", 10, "timed runs")

	_ = benchCmd.MarkFlagRequired("workspace")
	_ = benchCmd.MarkFlagRequired("image")
}

func runBench(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if benchFlags.runs < 1 {
		return fmt.Errorf("--runs must be at least 1")
	}
	img, err := imaging.Load(benchFlags.image)
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}
	devices, err := parseDevices(benchFlags.devices)
	if err != nil {
		return err
	}

	ctrl, err := openControl(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	st, err := openStream(ctx, ctrl, benchFlags.workspace, benchFlags.stream)
	if err != nil {
		return err
	}

	var total, best, worst time.Duration
	for i := -1; i < benchFlags.runs; i++ {
		start := time.Now()
		smp, err := st.Process(ctx, img, devices)
		if err != nil {
			return err
		}
		d := time.Since(start)
		if err := smp.Close(ctx); err != nil {
			return err
		}
		if i < 0 {
			continue
		}
		total += d
		if best == 0 || d < best {
			best = d
		}
		worst = max(worst, d)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "runs=%d mean=%s min=%s max=%s\n",
		benchFlags.runs, total/time.Duration(benchFlags.runs), best, worst)
	return nil
}
