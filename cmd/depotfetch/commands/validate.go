package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/depotfetch/pkg/p4/replay"
)

// ErrValidationFailed is returned when at least one fixture is invalid.
var ErrValidationFailed = errors.New("fixture validation failed")

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	var printSchema, nocolor bool

	cmd := &cobra.Command{
		Use:   "validate <depot.yaml>...",
		Short: "Validate recorded depot fixtures against the fixture schema",
		Long: `Validate one or more recorded depot fixtures against the embedded JSON schema.

Examples:
  depotfetch validate depot.yaml
  depotfetch validate --print-schema
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printSchema {
				_, err := cmd.OutOrStdout().Write(replay.Schema())

				return err
			}

			if len(args) == 0 {
				return cobra.MinimumNArgs(1)(cmd, args)
			}

			return runValidate(cmd.OutOrStdout(), args, !nocolor)
		},
	}

	cmd.Flags().BoolVar(&printSchema, "print-schema", false, "print the fixture JSON schema and exit")
	cmd.Flags().BoolVar(&nocolor, "no-color", false, "disable colored output")

	return cmd
}

func runValidate(w io.Writer, paths []string, colorize bool) error {
	okColor := color.New(color.FgGreen)
	failColor := color.New(color.FgRed)

	if !colorize {
		okColor.DisableColor()
		failColor.DisableColor()
	}

	failed := 0

	for _, path := range paths {
		problems, err := validateFile(path)
		if err != nil {
			failColor.Fprintf(w, "%s: %v\n", path, err)

			failed++

			continue
		}

		if len(problems) == 0 {
			okColor.Fprintf(w, "%s: valid\n", path)

			continue
		}

		failColor.Fprintf(w, "%s: %d problem(s)\n", path, len(problems))

		for _, problem := range problems {
			failColor.Fprintf(w, "  - %s\n", problem)
		}

		failed++
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrValidationFailed, failed, len(paths))
	}

	return nil
}

func validateFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}

	return replay.Validate(data)
}
