package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/config"
	"github.com/roach88/recsync/internal/logging"
)

// FileValidation is the result for one config file.
type FileValidation struct {
	Path       string `json:"path"`
	Valid      bool   `json:"valid"`
	Collection string `json:"collection,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.yaml>...",
		Short: "Validate sync config files",
		Long: `Validate config files without connecting to the remote.

Checks each file against the config schema, resolves the named field
transforms and compiles the record schema file, if one is set.

Exit codes:
  0 - All files valid
  1 - One or more files invalid`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	result := ValidationResult{Valid: true, Files: make([]FileValidation, 0, len(paths))}
	for _, path := range paths {
		formatter.VerboseLog("Validating %s", path)
		fv := validateFile(path)
		if !fv.Valid {
			result.Valid = false
		}
		result.Files = append(result.Files, fv)
	}

	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result}
		if !result.Valid {
			resp.Status = "error"
			resp.Error = &CLIError{Code: ErrCodeConfig, Message: "invalid config"}
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, fv := range result.Files {
			if fv.Valid {
				fmt.Fprintf(w, "✓ %s (collection %s)\n", fv.Path, fv.Collection)
				continue
			}
			fmt.Fprintf(w, "✗ %s\n", fv.Path)
			for _, line := range strings.Split(fv.Error, "\n") {
				fmt.Fprintf(w, "  %s\n", line)
			}
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "invalid config")
	}
	return nil
}

func validateFile(path string) FileValidation {
	fv := FileValidation{Path: path}

	cfg, err := config.Load(path)
	if err != nil {
		fv.Error = err.Error()
		return fv
	}
	fv.Collection = cfg.Collection

	if _, err := cfg.SessionConfig(nil, logging.Discard()); err != nil {
		fv.Error = err.Error()
		return fv
	}

	fv.Valid = true
	return fv
}
