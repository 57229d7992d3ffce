package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/shadowgate/internal/config"
	"github.com/tonimelisma/shadowgate/internal/ipc"
	"github.com/tonimelisma/shadowgate/internal/names"
	"github.com/tonimelisma/shadowgate/internal/pubsub"
	"github.com/tonimelisma/shadowgate/internal/store"
)

// localCaller identifies one-shot CLI invocations to the authorizer and
// the pagination token binding.
const localCaller = "cli"

func newShadowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shadow",
		Short: "Inspect and edit shadows in the local store",
		Long: `Operate on shadow documents directly against the on-device store.

These commands use the same handler path as IPC clients: writes bump the
document version, refresh metadata timestamps, and pass the size and depth
checks. A running daemon picks up out-of-band edits on its next full
reconciliation.`,
	}

	cmd.AddCommand(newShadowGetCmd())
	cmd.AddCommand(newShadowUpdateCmd())
	cmd.AddCommand(newShadowDeleteCmd())
	cmd.AddCommand(newShadowListCmd())

	return cmd
}

func newShadowGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <thing> [shadow]",
		Short: "Print a shadow document",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runShadowGet,
	}
}

func newShadowUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <thing> [shadow]",
		Short: "Apply an update document to a shadow",
		Long: `Apply a shadow update read from --file or standard input.

The payload is the usual update request document:

  {"state": {"desired": {"power": "on"}}, "version": 3}

Omit version to accept any current version. Null leaves delete fields.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runShadowUpdate,
	}

	cmd.Flags().StringP("file", "f", "", "read the update payload from a file (default stdin)")

	return cmd
}

func newShadowDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <thing> [shadow]",
		Short: "Delete a shadow document",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runShadowDelete,
	}
}

func newShadowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <thing>",
		Short: "List a thing's named shadows",
		Args:  cobra.ExactArgs(1),
		RunE:  runShadowList,
	}

	cmd.Flags().Int("page-size", 0, "results per page (max 100)")
	cmd.Flags().String("next-token", "", "continue from a previous page")

	return cmd
}

// shadowArgs splits positional arguments into thing and optional shadow name.
func shadowArgs(args []string) (string, string) {
	if len(args) > 1 {
		return args[0], args[1]
	}

	return args[0], ""
}

// openHandlers opens the store and builds a handler set for one-shot
// commands. The returned close function must be called when done.
func openHandlers(logger *slog.Logger) (*ipc.Handlers, func(), error) {
	st, err := store.Open(config.DatabasePath(loadedDataDir), store.Options{
		MaxDiskUtilizationMB: loadedConfig.MaxDiskUtilizationMB,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening shadow store: %w", err)
	}

	broker := pubsub.New(logger)

	handlers, err := ipc.New(ipc.Options{
		Store:             st,
		Publisher:         broker,
		Logger:            logger,
		DocumentSizeLimit: loadedConfig.DocumentSizeLimitBytes,
	})
	if err != nil {
		st.Close()

		return nil, nil, fmt.Errorf("building request handlers: %w", err)
	}

	return handlers, func() {
		broker.Close()
		st.Close()
	}, nil
}

func runShadowGet(cmd *cobra.Command, args []string) error {
	thing, shadowName := shadowArgs(args)

	handlers, closeStore, err := openHandlers(buildLogger())
	if err != nil {
		return err
	}
	defer closeStore()

	reply, err := handlers.GetThingShadow(cmd.Context(), localCaller, thing, shadowName)
	if err != nil {
		return err
	}

	return printJSON(os.Stdout, reply)
}

func runShadowUpdate(cmd *cobra.Command, args []string) error {
	thing, shadowName := shadowArgs(args)

	payload, err := readUpdatePayload(cmd)
	if err != nil {
		return err
	}

	handlers, closeStore, err := openHandlers(buildLogger())
	if err != nil {
		return err
	}
	defer closeStore()

	reply, err := handlers.UpdateThingShadow(cmd.Context(), localCaller, thing, shadowName, payload)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(os.Stdout, reply)
	}

	var accepted struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(reply, &accepted); err != nil {
		return fmt.Errorf("decoding accepted reply: %w", err)
	}

	statusf("Updated %s (version %d)\n", keyLabel(thing, shadowName), accepted.Version)

	return nil
}

func runShadowDelete(cmd *cobra.Command, args []string) error {
	thing, shadowName := shadowArgs(args)

	handlers, closeStore, err := openHandlers(buildLogger())
	if err != nil {
		return err
	}
	defer closeStore()

	reply, err := handlers.DeleteThingShadow(cmd.Context(), localCaller, thing, shadowName)
	if err != nil {
		return err
	}

	// The direct delete reply carries no body; subscribers get the
	// version/timestamp notification.
	if flagJSON && len(reply) > 0 {
		return printJSON(os.Stdout, reply)
	}

	statusf("Deleted %s\n", keyLabel(thing, shadowName))

	return nil
}

func runShadowList(cmd *cobra.Command, args []string) error {
	pageSize, err := cmd.Flags().GetInt("page-size")
	if err != nil {
		return err
	}

	nextToken, err := cmd.Flags().GetString("next-token")
	if err != nil {
		return err
	}

	handlers, closeStore, err := openHandlers(buildLogger())
	if err != nil {
		return err
	}
	defer closeStore()

	result, err := handlers.ListNamedShadowsForThing(cmd.Context(), localCaller, args[0], pageSize, nextToken)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(result)
	}

	for _, name := range result.Results {
		fmt.Println(name)
	}

	if result.NextToken != "" {
		statusf("More results: rerun with --next-token %s\n", result.NextToken)
	}

	return nil
}

// readUpdatePayload reads the update document from --file or stdin.
func readUpdatePayload(cmd *cobra.Command) ([]byte, error) {
	path, err := cmd.Flags().GetString("file")
	if err != nil {
		return nil, err
	}

	if path == "" || path == "-" {
		payload, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}

		return payload, nil
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading payload file: %w", err)
	}

	return payload, nil
}

// keyLabel renders a thing/shadow pair the way log lines do.
func keyLabel(thing, shadowName string) string {
	return names.Key{Thing: thing, Shadow: shadowName}.String()
}
