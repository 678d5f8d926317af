package checkaof

import (
	"fmt"

	"github.com/ValentinKolb/cedar/cmd/util"
	"github.com/ValentinKolb/cedar/lib/aof"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CheckAofCmd validates (and optionally repairs) an append-only log file
var CheckAofCmd = &cobra.Command{
	Use:   "check-aof <file>",
	Short: "Validate an append-only log file",
	Long: `Replays the given append-only log file into a throwaway dataset
and reports whether it is intact. With --fix a torn tail (an
incomplete final record or an unterminated transaction) is cut
off in place so the file loads cleanly afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func init() {
	key := "fix"
	CheckAofCmd.Flags().Bool(key, false, util.WrapString("Repair a torn tail by truncating the file in place"))
	key = "databases"
	CheckAofCmd.Flags().Int(key, 0, util.WrapString("Number of logical databases the log was written with (0 = default)"))
}

func run(cmd *cobra.Command, args []string) error {
	path := args[0]
	fix := viper.GetBool("fix")

	res, err := aof.Check(path, viper.GetInt("databases"), fix)
	if err != nil {
		return fmt.Errorf("log is not valid: %w", err)
	}

	if res.PreambleKeys > 0 {
		fmt.Printf("snapshot preamble: %d keys\n", res.PreambleKeys)
	}
	fmt.Printf("replayed commands: %d\n", res.Commands)
	if res.Truncated {
		fmt.Printf("torn tail removed, file truncated to %d bytes\n", res.ValidSize)
	} else {
		fmt.Println("log is valid")
	}
	return nil
}
