package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pesde-go/pesde/internal/xlog"
)

// casCmd groups the content-addressed store maintenance commands
var casCmd = &cobra.Command{
	Use:   "cas",
	Short: "Inspect and maintain the content-addressed store",
}

var casPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete blobs no installed package references",
	Long: `Delete every stored blob whose hard-link count shows no package tree
references it anymore, then drop the cached package descriptors that
pointed at the removed blobs. Installed projects are never affected: their
files hold hard links that keep blobs alive.`,
	RunE: runCasPrune,
}

var casPathCmd = &cobra.Command{
	Use:   "path <hash>",
	Short: "Print the on-disk path of a stored blob",
	Args:  cobra.ExactArgs(1),
	RunE:  runCasPath,
}

func init() {
	casCmd.AddCommand(casPruneCmd)
	casCmd.AddCommand(casPathCmd)
}

func runCasPrune(cmd *cobra.Command, args []string) error {
	store, _, err := openStore()
	if err != nil {
		return err
	}

	result, err := store.Prune()
	if err != nil {
		return err
	}
	if err := store.PruneDescriptors(result.RemovedHashes); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("removed %d unreferenced blobs", len(result.RemovedHashes)), xlog.Success())
	return nil
}

func runCasPath(cmd *cobra.Command, args []string) error {
	store, _, err := openStore()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), store.Path(args[0]))
	return nil
}
