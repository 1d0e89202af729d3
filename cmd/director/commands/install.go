package commands

import (
	"github.com/spf13/cobra"
)

func newInstallCommand(opts *globalOptions) *cobra.Command {
	var popts provisionOptions

	cmd := &cobra.Command{
		Use:   "install UNIT[,UNIT...]",
		Short: "Install units as roots of the profile",
		Long: `Install units and everything they require into the profile.

Each UNIT is id or id/version. Without a version the highest version found in
the repositories is installed. Requested units are marked as roots; a
different version of an installed id replaces it. The profile is created on
first use with --profile-properties and the environment flags.`,
		Example: `  # Install the latest version
  director install org.example.app -r repo.yaml

  # Install a specific version into a new linux profile
  director install org.example.app/2.0.0 --os linux --arch x86_64

  # Show the plan and run the policy gate only
  director install org.example.app,org.example.tools --verify-only`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := parseRoots(args)
			if err != nil {
				return err
			}
			ctx, a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			prof, err := a.loadProfile(ctx, true, popts.creationProperties())
			if err != nil {
				return err
			}
			pool, err := a.loadPool(ctx)
			if err != nil {
				return err
			}
			units, err := resolveInstallRoots(tokens, pool, prof)
			if err != nil {
				return failed(a, err)
			}

			plan := a.planner(pool).Plan(ctx, installRequest(prof, units), prof, a.environment(prof))
			return a.runPlan(ctx, prof, plan, "install", popts.verifyOnly)
		},
	}
	popts.addFlags(cmd)
	return cmd
}

func newUninstallCommand(opts *globalOptions) *cobra.Command {
	var popts provisionOptions

	cmd := &cobra.Command{
		Use:   "uninstall UNIT[,UNIT...]",
		Short: "Uninstall root units from the profile",
		Long: `Uninstall units from the profile, together with the units that were only
installed to satisfy them.

Each UNIT is id or id/version. Without a version every installed version of
the id is removed.`,
		Example: `  director uninstall org.example.app
  director uninstall org.example.app/1.0.0 --verify-only`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := parseRoots(args)
			if err != nil {
				return err
			}
			ctx, a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			prof, err := a.loadProfile(ctx, true, popts.creationProperties())
			if err != nil {
				return err
			}
			units, err := resolveUninstallRoots(tokens, prof)
			if err != nil {
				return failed(a, err)
			}
			pool, err := a.loadPool(ctx)
			if err != nil {
				return err
			}

			plan := a.planner(pool).Plan(ctx, uninstallRequest(prof, units), prof, a.environment(prof))
			return a.runPlan(ctx, prof, plan, "uninstall", popts.verifyOnly)
		},
	}
	popts.addFlags(cmd)
	return cmd
}
