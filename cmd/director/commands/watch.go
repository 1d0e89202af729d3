package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/director/pkg/engine"
	"github.com/openfroyo/director/pkg/repository"
)

type watchOptions struct {
	apply bool
	once  bool
}

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var wopts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch dropins and policies until interrupted",
		Long: `Watch the dropins directory and the policy paths of the configuration.
Repository documents added to, changed in or removed from the dropins
directory rebuild the candidate pool; changed policy files are recompiled.
When metrics are enabled they are served for the lifetime of the command.

After every pool rebuild the roots of the profile are planned against the
new pool: a root with a newer version available is updated. The plan is
only verified unless --apply is given. With --once the dropins directory is
loaded and reconciled a single time and the command exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if a.cfg.Dropins == "" && (wopts.once || len(a.cfg.Policies) == 0) {
				return errors.New("nothing to watch: configure dropins or policies")
			}
			return a.watch(ctx, wopts)
		},
	}
	cmd.Flags().BoolVar(&wopts.apply, "apply", false, "execute update plans instead of only verifying them")
	cmd.Flags().BoolVar(&wopts.once, "once", false, "load and reconcile the dropins once, then exit")
	return cmd
}

// watch runs the dropins watcher, the policy watcher and the metrics server
// until ctx is cancelled or one of them fails.
func (a *app) watch(ctx context.Context, wopts watchOptions) error {
	locations, err := a.repositoryLocations()
	if err != nil {
		return err
	}
	var static []*repository.Repository
	for _, loc := range locations {
		repos, err := a.loader.Load(ctx, loc)
		if err != nil {
			return fmt.Errorf("failed to load repository %s: %w", loc, err)
		}
		static = append(static, repos...)
	}
	live := repository.NewLivePool(repository.NewPool(static...))

	// the hook runs on the watcher goroutine, so reconciliations never overlap
	var reconcileErr error
	newWatcher := func(ctx context.Context) *repository.Watcher {
		return repository.NewWatcher(a.cfg.Dropins, a.loader, live, a.logger,
			repository.WithStaticRepositories(static...),
			repository.WithReloadHook(func(p *repository.Pool) {
				fmt.Fprintf(a.out, "Candidate pool reloaded: %d units\n", p.Len())
				reconcileErr = a.reconcile(ctx, live, p, wopts.apply)
				if reconcileErr != nil {
					a.logger.Warn().Err(reconcileErr).Msg("Reconciliation failed")
				}
			}))
	}

	if wopts.once {
		if err := newWatcher(ctx).Reload(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Some dropins could not be loaded")
		}
		return reconcileErr
	}

	g, ctx := errgroup.WithContext(ctx)

	metricsErr := make(chan error, 1)
	a.tel.StartMetricsServer(metricsErr)
	g.Go(func() error {
		select {
		case err := <-metricsErr:
			return fmt.Errorf("metrics server failed: %w", err)
		case <-ctx.Done():
			return nil
		}
	})

	if a.cfg.Dropins != "" {
		w := newWatcher(ctx)
		g.Go(func() error { return w.Run(ctx) })
	}

	if len(a.cfg.Policies) > 0 {
		if err := a.policies.Watch(ctx, a.cfg.Policies); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	a.logger.Info().
		Str("dropins", a.cfg.Dropins).
		Strs("policies", a.cfg.Policies).
		Msg("Watching for changes")
	return g.Wait()
}

// reconcile plans the profile's roots at the newest versions pool offers,
// resolving against candidates. The plan is executed with apply and only
// verified otherwise. A profile that does not exist yet is left alone.
func (a *app) reconcile(ctx context.Context, candidates engine.CandidatePool, pool *repository.Pool, apply bool) error {
	prof, err := a.store.GetProfile(ctx, a.cfg.Profile)
	if err != nil {
		return fmt.Errorf("failed to load profile %s: %w", a.cfg.Profile, err)
	}
	if prof == nil {
		return nil
	}

	req := updateRequest(prof, pool)
	if req.IsEmpty() {
		a.logger.Debug().Str("profile_id", prof.ID()).Msg("Profile roots are up to date")
		return nil
	}
	plan := a.planner(candidates).Plan(ctx, req, prof, a.environment(prof))
	return a.runPlan(ctx, prof, plan, "update", !apply)
}
