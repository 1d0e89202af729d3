package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/director/pkg/telemetry"
)

// DefaultFile is the configuration file looked up when none is given.
const DefaultFile = "director.cue"

// Parser reads director configuration files.
type Parser struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewParser creates a parser holding the compiled schema.
func NewParser() *Parser {
	ctx := cuecontext.New()
	schema := ctx.CompileString(directorSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("config: invalid built-in schema: %v", err))
	}
	return &Parser{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Director")),
		validator: validator.New(),
	}
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg, err := NewParser().Parse("defaults", nil)
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load parses the file at path. A missing file yields the defaults.
func (p *Parser) Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p.Parse("defaults", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return p.Parse(path, src)
}

// Parse compiles src, unifies it with the schema and decodes the result. All
// problems are reported together in a *ParseError.
func (p *Parser) Parse(filename string, src []byte) (*Config, error) {
	val := p.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &ParseError{Errors: convertCUEErrors(err)}
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return nil, &ParseError{Errors: convertCUEErrors(err)}
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", filename, err)
	}
	if err := p.Validate(&cfg); err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			for i := range perr.Errors {
				perr.Errors[i].File = filename
			}
		}
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags. Flags may change a decoded
// configuration, so callers validate again after applying them.
func (p *Parser) Validate(cfg *Config) error {
	err := p.validator.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	perr := &ParseError{}
	for _, fe := range fieldErrors {
		perr.Errors = append(perr.Errors, ValidationError{
			Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
			Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
		})
	}
	return perr
}

// convertCUEErrors flattens a CUE error list.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

// Telemetry maps the logging, metrics and tracing sections onto a telemetry
// configuration.
func (c *Config) Telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = c.Profile
	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	tc.Metrics.Enabled = true
	if c.Metrics.Enabled {
		tc.Metrics.ListenAddress = c.Metrics.Listen
	}
	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	return tc
}
