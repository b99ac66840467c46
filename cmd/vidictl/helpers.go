package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mcules/vidi-runtime/internal/api"
	"github.com/mcules/vidi-runtime/internal/config"
	"github.com/mcules/vidi-runtime/internal/control"
	"github.com/mcules/vidi-runtime/internal/device"
	"github.com/mcules/vidi-runtime/internal/remote"
)

// openControl returns the remote client when --remote is set and an
// in-process control otherwise.
func openControl(ctx context.Context) (api.Control, error) {
	if rootFlags.remote != "" {
		c := remote.NewClient(remote.Options{
			HeartbeatInterval: cfg.Remote.HeartbeatInterval,
			HeartbeatTimeout:  cfg.Remote.HeartbeatTimeout,
			APIKey:            cfg.Remote.APIKey,
		})
		if err := c.Connect(ctx, rootFlags.remote, cfg.Remote.ConnectTimeout); err != nil {
			return nil, err
		}
		return c, nil
	}

	mode, err := device.ParseMode(cfg.Devices.Mode)
	if err != nil {
		return nil, err
	}
	return control.New(ctx, control.Options{
		Backend: device.SimBackend{
			Count:            cfg.Devices.Count,
			DispatchOverhead: cfg.Devices.DispatchOverhead,
			CostPerMegapixel: cfg.Devices.CostPerMegapixel,
		},
		Mode:      mode,
		DeviceIDs: cfg.Devices.IDs,
	})
}

// openStream adds the workspace file and resolves one of its streams. An
// empty stream name picks the only stream of the workspace.
func openStream(ctx context.Context, ctrl api.Control, path, name string) (api.Stream, error) {
	wsName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ws, err := ctrl.Workspaces().Add(ctx, wsName, path)
	if err != nil {
		return nil, err
	}
	if name == "" {
		names, err := ws.StreamNames(ctx)
		if err != nil {
			return nil, err
		}
		if len(names) != 1 {
			return nil, fmt.Errorf("workspace %s has %d streams; pass --stream", wsName, len(names))
		}
		name = names[0]
	}
	return ws.Stream(ctx, name)
}

func parseDevices(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	return config.ParseIDs(s)
}
