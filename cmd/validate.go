package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/calpipe/internal/config"
	"github.com/papapumpkin/calpipe/internal/recipe"
	"github.com/papapumpkin/calpipe/internal/stages"
	"github.com/papapumpkin/calpipe/internal/toolkit"
	"github.com/papapumpkin/calpipe/internal/ui"
)

var errValidation = errors.New("validation failed")

var validateCmd = &cobra.Command{
	Use:   "validate <recipe.toml>",
	Short: "Check a recipe and that the toolkit runner is available",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		printer := ui.New()
		ok := true

		r, err := recipe.Load(args[0])
		if err != nil {
			printer.Error(err.Error())
			return errValidation
		}
		verrs := recipe.Validate(r, stages.Lookup)
		errs := make([]error, len(verrs))
		for i := range verrs {
			errs[i] = &verrs[i]
		}
		printer.ValidateResult(r.Recipe.Name, len(r.Stages), errs)
		if len(errs) > 0 {
			ok = false
		}

		if cfg.ToolkitPath == "" {
			fmt.Fprintln(os.Stderr, "- toolkit: no toolkit_path configured (dry runs only)")
		} else {
			tk := &toolkit.Command{Path: cfg.ToolkitPath}
			if err := tk.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "✗ toolkit: %v\n", err)
				ok = false
			} else {
				fmt.Fprintln(os.Stderr, "✓ toolkit runner found")
			}
		}

		if !ok {
			return errValidation
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
