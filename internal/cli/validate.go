package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/header"
	"github.com/roach88/binmgr/internal/manifest"
)

// ValidationIssue is one problem found in a manifest.
type ValidationIssue struct {
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
	Message string `json:"message" yaml:"message"`
	Code    string `json:"code" yaml:"code"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool              `json:"valid" yaml:"valid"`
	Manifest   string            `json:"manifest" yaml:"manifest"`
	Partitions int               `json:"partitions" yaml:"partitions"`
	Binaries   int               `json:"binaries" yaml:"binaries"`
	Errors     []ValidationIssue `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Text implements Texter.
func (r ValidationResult) Text(w io.Writer) {
	if r.Valid {
		fmt.Fprintf(w, "✓ Manifest valid: %d partition(s), %d binary(ies)\n", r.Partitions, r.Binaries)
		return
	}
	fmt.Fprintln(w, "✗ Validation failed")
	fmt.Fprintln(w)
	for _, issue := range r.Errors {
		if issue.Path != "" {
			fmt.Fprintf(w, "  [%s] %s: %s\n", issue.Code, issue.Path, issue.Message)
			continue
		}
		fmt.Fprintf(w, "  [%s] %s\n", issue.Code, issue.Message)
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest>",
		Short: "Validate a storage manifest without booting",
		Long: `Validate a storage manifest without booting.

The manifest is checked against its schema and every binary is resolved
into a registration, reading header files where the manifest names them.
All problems are reported, not just the first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if _, err := os.Stat(path); err != nil {
		msg := fmt.Sprintf("manifest not found: %s", path)
		_ = formatter.Error(ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", ErrCodeNotFound, msg))
	}

	result := ValidationResult{Manifest: path}

	mf, err := manifest.Load(path)
	if err != nil {
		result.Errors = manifestIssues(err)
		return outputValidationErrors(formatter, result)
	}

	result.Partitions = len(mf.Kernel.Partitions)
	resolve := func(b manifest.Binary, want header.Type) {
		formatter.VerboseLog("Resolving binary: %s", b.Name)
		result.Binaries++
		if _, err := b.Registration(mf.Dir, want); err != nil {
			result.Errors = append(result.Errors, ValidationIssue{
				Path:    "binaries." + b.Name,
				Message: err.Error(),
				Code:    issueCode(err),
			})
		}
	}
	if mf.CommonLibrary != nil {
		resolve(*mf.CommonLibrary, header.TypeCommon)
	}
	for _, b := range mf.Binaries {
		resolve(b, header.TypeUser)
	}

	if len(result.Errors) > 0 {
		return outputValidationErrors(formatter, result)
	}

	result.Valid = true
	return formatter.Success(result)
}

// manifestIssues flattens a joined manifest error into issues.
func manifestIssues(err error) []ValidationIssue {
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}

	issues := make([]ValidationIssue, 0, len(errs))
	for _, e := range errs {
		var merr *manifest.Error
		if errors.As(e, &merr) {
			issues = append(issues, ValidationIssue{Path: merr.Path, Message: merr.Message, Code: ErrCodeInvalid})
			continue
		}
		issues = append(issues, ValidationIssue{Message: e.Error(), Code: issueCode(e)})
	}
	return issues
}

func issueCode(err error) string {
	if errors.Is(err, os.ErrNotExist) {
		return ErrCodeNotFound
	}
	if code := binary.CodeOf(err); code != "" {
		return string(code)
	}
	return ErrCodeGeneric
}

// outputValidationErrors reports a failed validation. Failures are exit
// code 1.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	first := result.Errors[0]
	if formatter.Structured() {
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: first.Code, Message: first.Message},
		}); err != nil {
			return err
		}
	} else {
		result.Text(formatter.Writer)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
}
