package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/models"
)

func init() {
	rootCmd.AddCommand(transcriptCmd)
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript <room_id>",
	Short: "Print the archived audit transcript of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !models.ValidRoomID(args[0]) {
			return apperr.New(apperr.CodeRoomIDInvalid, "room id must be 4 characters of [A-Za-z0-9]")
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.archive.Transcript(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}
