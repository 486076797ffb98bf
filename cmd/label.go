package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/andresmejia3/wakewire/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:         "label <detection_id> <true|false>",
	Short:       "Mark a recorded detection as a real wake word or a false positive",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{dbAnnotation: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid detection id %q: %w", args[0], err)
		}
		truePositive, err := parseLabel(args[1])
		if err != nil {
			return err
		}
		return runLabel(cmd.Context(), id, truePositive)
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

// parseLabel accepts the usual boolean spellings plus tp/fp.
func parseLabel(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "tp":
		return true, nil
	case "fp":
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid label %q: use true/false or tp/fp", s)
	}
	return v, nil
}

func runLabel(ctx context.Context, id int64, truePositive bool) error {
	if err := DB.LabelDetection(ctx, id, truePositive); err != nil {
		utils.ShowError("Failed to label detection", err, nil)
		return err
	}

	kind := "false positive"
	if truePositive {
		kind = "true positive"
	}
	fmt.Printf("✅ Detection %d labeled as %s\n", id, kind)
	return nil
}
