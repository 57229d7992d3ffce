package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/shadowgate/internal/config"
	"github.com/tonimelisma/shadowgate/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cloud sync bookkeeping for every synced shadow",
		Long: `Display per-shadow sync state from the on-device store: the cloud and
local versions last reconciled, the last sync time, and whether the cloud
copy is deleted. Shadows that have never completed a sync do not appear.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// statusRow is the per-shadow status output shape.
type statusRow struct {
	Thing        string `json:"thingName"`
	Shadow       string `json:"shadowName,omitempty"`
	CloudVersion int64  `json:"cloudVersion"`
	LocalVersion int64  `json:"localVersion"`
	CloudDeleted bool   `json:"cloudDeleted,omitempty"`
	LastSyncTime int64  `json:"lastSyncTime,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	if !loadedConfig.Synchronize.ProvideSyncStatus {
		return fmt.Errorf("sync status reporting is disabled (set synchronize.provide_sync_status = true)")
	}

	logger := buildLogger()
	ctx := cmd.Context()
	dbPath := config.DatabasePath(loadedDataDir)

	st, err := store.Open(dbPath, store.Options{
		MaxDiskUtilizationMB: loadedConfig.MaxDiskUtilizationMB,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening shadow store: %w", err)
	}
	defer st.Close()

	keys, err := st.ListSyncedShadows(ctx)
	if err != nil {
		return fmt.Errorf("listing synced shadows: %w", err)
	}

	rows := make([]statusRow, 0, len(keys))

	for _, key := range keys {
		info, err := st.GetSyncInfo(ctx, key)
		if err != nil {
			return fmt.Errorf("reading sync info for %s: %w", key, err)
		}

		if info == nil {
			continue
		}

		rows = append(rows, statusRow{
			Thing:        key.Thing,
			Shadow:       key.Shadow,
			CloudVersion: info.CloudVersion,
			LocalVersion: info.LocalVersion,
			CloudDeleted: info.CloudDeleted,
			LastSyncTime: info.LastSyncTime,
		})
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(rows)
	}

	printStatusText(rows, dbPath)

	return nil
}

func printStatusText(rows []statusRow, dbPath string) {
	if len(rows) == 0 {
		fmt.Println("No shadows have synced yet.")
	} else {
		printStatusTable(rows)
	}

	if fi, err := os.Stat(dbPath); err == nil {
		if quota := loadedConfig.MaxDiskUtilizationMB; quota > 0 {
			statusf("\nStore: %s of %d MB used\n", formatSize(fi.Size()), quota)
		} else {
			statusf("\nStore: %s used\n", formatSize(fi.Size()))
		}
	}
}

func printStatusTable(rows []statusRow) {
	headers := []string{"THING", "SHADOW", "CLOUD VER", "LOCAL VER", "STATE", "LAST SYNC"}
	cells := make([][]string, 0, len(rows))

	for _, r := range rows {
		shadowName := r.Shadow
		if shadowName == "" {
			shadowName = "(classic)"
		}

		state := "synced"
		if r.CloudDeleted {
			state = "cloud deleted"
		}

		cells = append(cells, []string{
			r.Thing,
			shadowName,
			strconv.FormatInt(r.CloudVersion, 10),
			strconv.FormatInt(r.LocalVersion, 10),
			state,
			formatUnixTime(r.LastSyncTime),
		})
	}

	printTable(os.Stdout, headers, cells)
}
