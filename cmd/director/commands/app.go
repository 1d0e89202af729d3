package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/director/pkg/config"
	"github.com/openfroyo/director/pkg/engine"
	"github.com/openfroyo/director/pkg/policy"
	"github.com/openfroyo/director/pkg/profile"
	"github.com/openfroyo/director/pkg/repository"
	"github.com/openfroyo/director/pkg/stores"
	"github.com/openfroyo/director/pkg/telemetry"
	"github.com/openfroyo/director/pkg/touchpoints/core"
	"github.com/openfroyo/director/pkg/touchpoints/native"
	"github.com/openfroyo/director/pkg/touchpoints/remote"
	"github.com/openfroyo/director/pkg/touchpoints/script"
	"github.com/openfroyo/director/pkg/touchpoints/wasm"
	"github.com/openfroyo/director/pkg/transports/ssh"
)

// app holds everything a command needs, built from the configuration file
// and the global flags.
type app struct {
	cfg    *config.Config
	opts   *globalOptions
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	out    io.Writer

	store    stores.Registry
	lists    *repository.Lists
	loader   *repository.Loader
	policies *policy.Engine

	// Set by setupEngine.
	engine *engine.Engine
	native *native.Touchpoint
	remote *remote.Touchpoint
	wasm   *wasm.Touchpoint
	ssh    *ssh.Client
}

// newApp loads the configuration, applies flag overrides and opens the
// profile registry. The returned context carries the telemetry instance.
func newApp(cmd *cobra.Command, opts *globalOptions) (context.Context, *app, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return ctx, nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry(opts.version))
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)
	logger := tel.Logger.Zerolog()
	tel.Events.Subscribe(func(e telemetry.Event) {
		level := zerolog.DebugLevel
		if e.Level != telemetry.EventLevelInfo {
			level = zerolog.WarnLevel
		}
		logger.WithLevel(level).
			Str("event", e.Type).
			Str("session_id", e.SessionID).
			Str("profile_id", e.ProfileID).
			Msg(e.Message)
	}, nil)

	a := &app{
		cfg:    cfg,
		opts:   opts,
		tel:    tel,
		logger: logger,
		out:    cmd.OutOrStdout(),
		lists:  repository.NewLists(cfg.ProfilesDir()),
		loader: repository.NewLoader(logger),
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		a.close(ctx)
		return ctx, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := stores.OpenSQLiteStore(ctx, stores.Config{Path: cfg.DatabasePath()})
	if err != nil {
		a.close(ctx)
		return ctx, nil, fmt.Errorf("failed to open profile registry: %w", err)
	}
	a.store = store

	a.policies = policy.NewEngine(logger)
	if len(cfg.Policies) > 0 {
		if err := a.policies.LoadPolicies(ctx, cfg.Policies); err != nil {
			a.close(ctx)
			return ctx, nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	logger.Debug().
		Str("profile", cfg.Profile).
		Str("database", cfg.DatabasePath()).
		Int("policies", len(a.policies.ListPolicies())).
		Msg("Director initialized")
	return ctx, a, nil
}

func loadConfig(opts *globalOptions) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		path = config.DefaultFile
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	parser := config.NewParser()
	cfg, err := parser.Load(path)
	if err != nil {
		return nil, err
	}

	if opts.profile != "" {
		cfg.Profile = opts.profile
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.installDir != "" {
		cfg.InstallDir = opts.installDir
	}
	if opts.database != "" {
		cfg.Database = opts.database
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := parser.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// close releases every resource the app opened. Errors are logged.
func (a *app) close(ctx context.Context) {
	if a.wasm != nil {
		if err := a.wasm.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close wasm modules")
		}
	}
	if a.ssh != nil {
		if err := a.ssh.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close ssh connection")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close profile registry")
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Debug().Err(err).Msg("Telemetry shutdown reported errors")
		}
	}
}

// loadProfile returns the latest snapshot of the configured profile. When
// create is set a missing profile is added with props; otherwise a missing
// profile is an error.
func (a *app) loadProfile(ctx context.Context, create bool, props map[string]string) (*profile.Profile, error) {
	id := a.cfg.Profile
	prof, err := a.store.GetProfile(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", id, err)
	}
	if prof != nil {
		return prof, nil
	}
	if !create {
		return nil, engine.NewValidationError(fmt.Sprintf("profile %s does not exist", id), nil).
			WithCode(engine.ErrCodeProfileNotFound)
	}
	prof, err = a.store.AddProfile(ctx, id, props)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile %s: %w", id, err)
	}
	a.logger.Info().Str("profile_id", id).Msg("Profile created")
	return prof, nil
}

// repositoryLocations returns the metadata repositories of the candidate
// pool: configured ones, then --repository flags, then the profile's own
// list. Duplicates are dropped.
func (a *app) repositoryLocations() ([]string, error) {
	locations := append([]string{}, a.cfg.EnabledRepositories()...)
	locations = append(locations, a.opts.repositories...)

	list, err := a.lists.For(a.cfg.Profile)
	if err != nil {
		return nil, err
	}
	locations = append(locations, list.Enabled(repository.TypeMetadata)...)

	var out []string
	for _, loc := range locations {
		if !slices.Contains(out, loc) {
			out = append(out, loc)
		}
	}
	return out, nil
}

// loadPool builds the candidate pool from every repository location and the
// dropins directory. Invalid dropins are skipped with a warning.
func (a *app) loadPool(ctx context.Context) (*repository.Pool, error) {
	locations, err := a.repositoryLocations()
	if err != nil {
		return nil, err
	}

	var repos []*repository.Repository
	for _, loc := range locations {
		loaded, err := a.loader.Load(ctx, loc)
		if err != nil {
			return nil, fmt.Errorf("failed to load repository %s: %w", loc, err)
		}
		units := 0
		for _, r := range loaded {
			units += len(r.Units)
		}
		telemetry.RecordRepositoryChange(ctx, loc, units)
		repos = append(repos, loaded...)
	}

	if a.cfg.Dropins != "" {
		dropins, err := a.loader.LoadDir(ctx, a.cfg.Dropins)
		switch {
		case errors.Is(err, os.ErrNotExist):
			a.logger.Debug().Str("dir", a.cfg.Dropins).Msg("Dropins directory does not exist")
		case err != nil:
			a.logger.Warn().Err(err).Str("dir", a.cfg.Dropins).Msg("Some dropins could not be loaded")
		}
		repos = append(repos, dropins...)
	}

	pool := repository.NewPool(repos...)
	a.logger.Debug().
		Int("repositories", len(repos)).
		Int("units", pool.Len()).
		Msg("Candidate pool loaded")
	return pool, nil
}

// environment returns the filter environment: configuration values
// overridden by the profile's own environment.
func (a *app) environment(prof *profile.Profile) map[string]string {
	env := make(map[string]string, len(a.cfg.Environment))
	for k, v := range a.cfg.Environment {
		env[k] = v
	}
	if prof != nil {
		for k, v := range prof.Environment() {
			env[k] = v
		}
	}
	return env
}

func (a *app) planner(pool engine.CandidatePool) *engine.Planner {
	return engine.NewPlanner(pool, engine.PlannerOptions{
		KeepOptional: a.cfg.Planner.KeepOptional,
		Logger:       &a.logger,
	})
}

// setupEngine registers the touchpoints enabled by the configuration and
// creates the engine. The remote touchpoint connects here.
func (a *app) setupEngine(ctx context.Context) error {
	if a.engine != nil {
		return nil
	}
	registry := engine.NewTouchpointRegistry()

	a.native = native.New(a.cfg.InstallDir,
		native.WithBackupDir(filepath.Join(a.cfg.DataDir, "backup")),
		native.WithLogger(a.logger))
	core.Install(a.native.BaseTouchpoint, a.lists)
	if err := registry.Register(a.native); err != nil {
		return err
	}
	if err := registry.Register(core.New(a.lists)); err != nil {
		return err
	}

	tps := a.cfg.Touchpoints
	if tps.Scripts != "" {
		st := script.New(script.WithLogger(a.logger))
		if err := st.LoadDir(tps.Scripts); err != nil {
			return fmt.Errorf("failed to load script actions: %w", err)
		}
		core.Install(st.BaseTouchpoint, a.lists)
		if err := registry.Register(st); err != nil {
			return err
		}
	}

	if len(tps.Wasm.Manifests) > 0 {
		a.wasm = wasm.New(wasm.WithLogger(a.logger))
		for _, manifest := range tps.Wasm.Manifests {
			if err := a.wasm.Load(ctx, manifest); err != nil {
				return fmt.Errorf("failed to load wasm module %s: %w", manifest, err)
			}
		}
		if err := registry.Register(a.wasm); err != nil {
			return err
		}
	}

	if rc := tps.Remote; rc != nil {
		client, err := a.connectRemote(ctx, rc)
		if err != nil {
			return err
		}
		a.ssh = client
		a.remote = remote.New(client,
			remote.WithBackupDir(rc.BackupDir),
			remote.WithLogger(a.logger))
		core.Install(a.remote.BaseTouchpoint, a.lists)
		if err := registry.Register(a.remote); err != nil {
			return err
		}
	}

	a.engine = engine.NewEngine(a.store, registry,
		engine.WithLogger(a.logger),
		engine.WithProfileLocks(engine.NewFileProfileLocks(filepath.Join(a.cfg.DataDir, "locks"))))
	a.logger.Debug().Strs("touchpoints", registry.Types()).Msg("Engine ready")
	return nil
}

func (a *app) connectRemote(ctx context.Context, rc *config.RemoteConfig) (*ssh.Client, error) {
	sshCfg := ssh.DefaultConfig(rc.Host, rc.User)
	sshCfg.Port = rc.Port
	sshCfg.PrivateKeyPath = rc.KeyFile
	if rc.KnownHosts != "" {
		sshCfg.KnownHostsPath = rc.KnownHosts
	}
	sshCfg.StrictHostKeyChecking = rc.StrictHostKeyChecking

	client, err := ssh.NewClient(sshCfg, ssh.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to configure remote touchpoint: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", sshCfg.Address(), err)
	}
	return client, nil
}

// discardBackups drops the undo backups of a committed session.
func (a *app) discardBackups(ctx context.Context, sessionID string) {
	var result *multierror.Error
	if a.native != nil {
		result = multierror.Append(result, a.native.DiscardBackups(sessionID))
	}
	if a.remote != nil {
		result = multierror.Append(result, a.remote.DiscardBackups(ctx, sessionID))
	}
	if err := result.ErrorOrNil(); err != nil {
		a.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to discard backups")
	}
}
