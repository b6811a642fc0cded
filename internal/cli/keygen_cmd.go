package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PeeBee66/chittychattychat/internal/envelope"
)

func init() {
	rootCmd.AddCommand(keygenCmd)
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new base64 master key for MASTER_KEY",
	// Key generation needs no config or secrets.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := envelope.GenerateMasterKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}
