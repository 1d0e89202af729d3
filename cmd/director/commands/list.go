package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/director/pkg/metadata"
)

// listedUnit is one line of list output.
type listedUnit struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Root    bool   `json:"root,omitempty"`
	Source  string `json:"source,omitempty"`
}

func newListCommand(opts *globalOptions) *cobra.Command {
	var installed bool

	cmd := &cobra.Command{
		Use:   "list [UNIT[,UNIT...]]",
		Short: "List available or installed units",
		Long: `List the units in the repositories, or with --installed the units of the
profile. UNIT arguments (id or id/version) restrict the output. Lines are
printed as id=version, sorted by id then version.`,
		Example: `  director list -r repo.yaml
  director list org.example.app
  director list --installed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var tokens []rootToken
			if len(args) > 0 {
				var err error
				if tokens, err = parseRoots(args); err != nil {
					return err
				}
			}
			ctx, a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			var listed []listedUnit
			if installed {
				prof, err := a.loadProfile(ctx, false, nil)
				if err != nil {
					return failed(a, err)
				}
				for _, u := range prof.Units() {
					if selected(tokens, u) {
						listed = append(listed, listedUnit{ID: u.ID, Version: u.Version.String(), Root: prof.IsRoot(u)})
					}
				}
			} else {
				pool, err := a.loadPool(ctx)
				if err != nil {
					return err
				}
				for _, u := range pool.Units() {
					if selected(tokens, u) {
						listed = append(listed, listedUnit{ID: u.ID, Version: u.Version.String(), Source: pool.Source(u.Key())})
					}
				}
			}

			if opts.jsonOutput {
				return printJSON(a.out, listed)
			}
			for _, l := range listed {
				if l.Root {
					fmt.Fprintf(a.out, "%s=%s (root)\n", l.ID, l.Version)
				} else {
					fmt.Fprintf(a.out, "%s=%s\n", l.ID, l.Version)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&installed, "installed", false, "list the units installed in the profile")
	return cmd
}

// selected reports whether u matches one of tokens, or tokens is empty.
func selected(tokens []rootToken, u *metadata.InstallableUnit) bool {
	if len(tokens) == 0 {
		return true
	}
	for _, tok := range tokens {
		if tok.matches(u) {
			return true
		}
	}
	return false
}
