// Package migrations exposes the pipeline schema per SQL dialect. Postgres
// files live at data/sql/migrations and SQLite variants under sqlite/; both
// dialects must carry the same versions.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	syncpipe "github.com/goliatone/go-syncpipe"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	defaultSourceLabel = "go-syncpipe"
	migrationsDir      = "data/sql/migrations"
)

// dialectDirs maps each dialect to its directory below the migrations root.
var dialectDirs = []struct {
	dialect string
	dir     string
}{
	{dialect: DialectPostgres, dir: "."},
	{dialect: DialectSQLite, dir: "sqlite"},
}

type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
	// Versions lists migration names without the .up.sql suffix, sorted.
	Versions []string
}

type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

// Registered returns the dialects Register handed to the callback.
func (r Registration) Registered() []string {
	out := make([]string, 0, len(r.Filesystems))
	for _, spec := range r.Filesystems {
		if slices.Contains(r.ValidationTargets, spec.Dialect) {
			out = append(out, spec.Dialect)
		}
	}
	return out
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

func WithDialectSourceLabel(label string) Option {
	return func(r *Registration) {
		if label = strings.TrimSpace(label); label != "" {
			r.SourceLabel = label
		}
	}
}

// WithValidationTargets limits registration to the named dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		if normalized := normalizeDialects(targets); len(normalized) > 0 {
			r.ValidationTargets = normalized
		}
	}
}

// WithFilesystems replaces the embedded schema, mostly for tests and
// downstream schema extensions. Specs without a dialect or FS are skipped.
func WithFilesystems(filesystems ...FilesystemSpec) Option {
	return func(r *Registration) {
		kept := make([]FilesystemSpec, 0, len(filesystems))
		for _, spec := range filesystems {
			spec.Dialect = strings.ToLower(strings.TrimSpace(spec.Dialect))
			if spec.Dialect == "" || spec.FS == nil {
				continue
			}
			kept = append(kept, spec)
		}
		if len(kept) > 0 {
			r.Filesystems = kept
		}
	}
}

// Filesystems resolves one spec per dialect from root, defaulting to the
// embedded schema. It fails when a dialect has no migrations, when an up
// file lacks its down file, or when dialects disagree on versions.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	root := syncpipe.GetCoreMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}
	base, basePath, err := resolveRoot(root)
	if err != nil {
		return nil, err
	}

	specs := make([]FilesystemSpec, 0, len(dialectDirs))
	for _, entry := range dialectDirs {
		fsys := base
		path := basePath
		if entry.dir != "." {
			if fsys, err = fs.Sub(base, entry.dir); err != nil {
				return nil, fmt.Errorf("migrations: resolve %s filesystem: %w", entry.dialect, err)
			}
			path = joinPath(basePath, entry.dir)
		}
		versions, err := Versions(fsys)
		if err != nil {
			return nil, fmt.Errorf("migrations: %s (%s): %w", entry.dialect, path, err)
		}
		specs = append(specs, FilesystemSpec{Dialect: entry.dialect, Path: path, FS: fsys, Versions: versions})
	}
	if err := checkParity(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// Versions lists the migrations in fsys. Every *.up.sql needs a matching
// *.down.sql.
func Versions(fsys fs.FS) ([]string, error) {
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("no *.up.sql files")
	}
	versions := make([]string, 0, len(ups))
	for _, up := range ups {
		version := strings.TrimSuffix(up, ".up.sql")
		if _, err := fs.Stat(fsys, version+".down.sql"); err != nil {
			return nil, fmt.Errorf("%s has no down migration", up)
		}
		versions = append(versions, version)
	}
	slices.Sort(versions)
	return versions, nil
}

func checkParity(specs []FilesystemSpec) error {
	if len(specs) < 2 {
		return nil
	}
	reference := specs[0]
	for _, spec := range specs[1:] {
		if !slices.Equal(reference.Versions, spec.Versions) {
			return fmt.Errorf("migrations: %s versions %v differ from %s versions %v",
				spec.Dialect, spec.Versions, reference.Dialect, reference.Versions)
		}
	}
	return nil
}

// Register hands each targeted dialect filesystem to registerFn. Targets
// default to every known dialect.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel:       defaultSourceLabel,
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}
	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if len(reg.ValidationTargets) == 0 {
		return reg, fmt.Errorf("migrations: validation targets are required")
	}

	for _, spec := range reg.Filesystems {
		if !slices.Contains(reg.ValidationTargets, spec.Dialect) {
			continue
		}
		if err := registerFn(ctx, spec.Dialect, reg.SourceLabel, spec.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", spec.Dialect, spec.Path, err)
		}
	}
	if len(reg.Registered()) == 0 {
		return reg, fmt.Errorf("migrations: no filesystem matches targets %v", reg.ValidationTargets)
	}
	return reg, nil
}

// RegisterDialect registers the schema of one dialect with a migration
// runner, typically a go-persistence-bun client's RegisterSQLMigrations.
func RegisterDialect(ctx context.Context, dialect string, register func(fs.FS), opts ...Option) (Registration, error) {
	if register == nil {
		return Registration{}, fmt.Errorf("migrations: register callback is required")
	}
	opts = append(opts, WithValidationTargets(dialect))
	return Register(ctx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		register(fsys)
		return nil
	}, opts...)
}

func resolveRoot(root fs.FS) (fs.FS, string, error) {
	if sub, err := fs.Sub(root, migrationsDir); err == nil {
		if _, statErr := fs.Stat(sub, "."); statErr == nil {
			if matches, _ := fs.Glob(sub, "*.sql"); len(matches) > 0 {
				return sub, migrationsDir, nil
			}
		}
	}
	if matches, _ := fs.Glob(root, "*.sql"); len(matches) > 0 {
		return root, ".", nil
	}
	return nil, "", fmt.Errorf("migrations: %s not found", migrationsDir)
}

func normalizeDialects(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value != "" && !slices.Contains(out, value) {
			out = append(out, value)
		}
	}
	return out
}

func joinPath(base string, dir string) string {
	if base == "." {
		return dir
	}
	return strings.TrimSuffix(base, "/") + "/" + dir
}
