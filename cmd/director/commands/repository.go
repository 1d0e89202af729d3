package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/director/pkg/repository"
)

func newRepositoryCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "repository",
		Aliases: []string{"repo"},
		Short:   "Manage the repositories registered with the profile",
		Long: `Manage the profile's own repository list. Enabled metadata repositories in
the list are part of the candidate pool of every later command, next to the
repositories of the configuration file and --repository flags.

Units can register repositories too, through the addRepository and
removeRepository actions; entries are reference counted.`,
	}

	cmd.AddCommand(newRepositoryListCommand(opts))
	cmd.AddCommand(newRepositoryAddCommand(opts))
	cmd.AddCommand(newRepositoryRemoveCommand(opts))
	return cmd
}

// parseTypeFlag accepts "metadata", "artifact" or their numeric values.
func parseTypeFlag(s string) (repository.Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "metadata":
		return repository.TypeMetadata, nil
	case "artifact":
		return repository.TypeArtifact, nil
	}
	return repository.ParseType(s)
}

func openList(a *app) (*repository.List, error) {
	list, err := a.lists.For(a.cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository list of %s: %w", a.cfg.Profile, err)
	}
	return list, nil
}

func newRepositoryListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			list, err := openList(a)
			if err != nil {
				return err
			}
			entries := list.Entries()
			if opts.jsonOutput {
				return printJSON(a.out, entries)
			}
			for _, e := range entries {
				state := "enabled"
				if !e.Enabled {
					state = "disabled"
				}
				line := fmt.Sprintf("%s %s %s refs=%d", e.Location, e.Type, state, e.Count)
				if e.Nickname != "" {
					line += " (" + e.Nickname + ")"
				}
				fmt.Fprintln(a.out, line)
			}
			return nil
		},
	}
}

func newRepositoryAddCommand(opts *globalOptions) *cobra.Command {
	var (
		typeName string
		nickname string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add LOCATION",
		Short: "Register a repository",
		Example: `  director repository add /srv/repo/units.yaml --nickname main
  director repository add file:///srv/artifacts --type artifact`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseTypeFlag(typeName)
			if err != nil {
				return err
			}
			ctx, a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if typ == repository.TypeMetadata && !disabled {
				if _, err := a.loader.Load(ctx, args[0]); err != nil {
					return fmt.Errorf("repository %s cannot be loaded: %w", args[0], err)
				}
			}
			list, err := openList(a)
			if err != nil {
				return err
			}
			count, err := list.Add(repository.Entry{
				Location: args[0],
				Type:     typ,
				Nickname: nickname,
				Enabled:  !disabled,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Added %s repository %s (refs=%d)\n", typ, args[0], count)
			return nil
		},
	}

	cmd.Flags().StringVarP(&typeName, "type", "t", "metadata", "repository type: metadata or artifact")
	cmd.Flags().StringVar(&nickname, "nickname", "", "display name")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "register the repository disabled")
	return cmd
}

func newRepositoryRemoveCommand(opts *globalOptions) *cobra.Command {
	var typeName string

	cmd := &cobra.Command{
		Use:   "remove LOCATION",
		Short: "Drop one reference to a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseTypeFlag(typeName)
			if err != nil {
				return err
			}
			ctx, a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			list, err := openList(a)
			if err != nil {
				return err
			}
			prev, ok, err := list.Remove(args[0], typ)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s repository %s is not registered", typ, args[0])
			}
			if prev.Count <= 1 {
				fmt.Fprintf(a.out, "Removed %s repository %s\n", typ, args[0])
			} else {
				fmt.Fprintf(a.out, "Released %s repository %s (refs=%d)\n", typ, args[0], prev.Count-1)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&typeName, "type", "t", "metadata", "repository type: metadata or artifact")
	return cmd
}
