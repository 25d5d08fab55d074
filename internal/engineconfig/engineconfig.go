// Package engineconfig loads the engine file: realm to resolver bindings, resolver backends,
// policies and the admission gate module. The file is YAML read through Viper.
package engineconfig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	policydomain "mfa-auth-engine/internal/policy/domain"
	"mfa-auth-engine/internal/resolver"
	"mfa-auth-engine/internal/security"
)

// Resolver types.
const (
	TypeStatic = "static"
	TypeSQL    = "sql"
)

// File is the parsed engine file.
type File struct {
	// Realms maps a realm name to its ordered resolver names. Viper folds keys to lower case,
	// which matches how the resolver chain stores realms.
	Realms    map[string]Realm          `mapstructure:"realms"`
	Resolvers []ResolverDef             `mapstructure:"resolvers"`
	Policies  []policydomain.Definition `mapstructure:"policies"`
	// Gate is an inline Rego module; GateFile is read instead when set, relative to the engine file.
	Gate     string `mapstructure:"gate"`
	GateFile string `mapstructure:"gate_file"`
}

// Realm is one realm binding.
type Realm struct {
	Resolvers []string `mapstructure:"resolvers"`
}

// ResolverDef configures one resolver backend.
type ResolverDef struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
	// Driver and DSN apply to sql resolvers; Driver is pgx or sqlite.
	Driver  string                `mapstructure:"driver"`
	DSN     string                `mapstructure:"dsn"`
	Queries resolver.Queries      `mapstructure:"queries"`
	Users   []resolver.StaticUser `mapstructure:"users"`
}

// Load reads and validates the engine file at path. An empty path yields an empty File.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read engine file: %w", err)
	}
	f, err := decode(v)
	if err != nil {
		return nil, err
	}
	if f.GateFile != "" {
		gatePath := f.GateFile
		if !filepath.IsAbs(gatePath) {
			gatePath = filepath.Join(filepath.Dir(path), gatePath)
		}
		b, err := os.ReadFile(gatePath)
		if err != nil {
			return nil, fmt.Errorf("read gate file: %w", err)
		}
		f.Gate = string(b)
	}
	return f, nil
}

// Parse reads and validates a YAML engine file from r. gate_file is not resolved.
func Parse(r io.Reader) (*File, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read engine file: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*File, error) {
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode engine file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks resolver definitions and realm references. Policy values are checked when the
// policy engine compiles them.
func (f *File) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(f.Resolvers))
	for i, r := range f.Resolvers {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("engine file: resolver %d has no name", i))
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("engine file: duplicate resolver %q", r.Name))
		}
		seen[r.Name] = true
		switch strings.ToLower(r.Type) {
		case TypeStatic:
		case TypeSQL:
			if r.Driver != "pgx" && r.Driver != "sqlite" {
				errs = append(errs, fmt.Errorf("engine file: resolver %q: driver must be pgx or sqlite", r.Name))
			}
			if r.DSN == "" {
				errs = append(errs, fmt.Errorf("engine file: resolver %q: dsn is required", r.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("engine file: resolver %q: unknown type %q", r.Name, r.Type))
		}
	}
	for realm, binding := range f.Realms {
		for _, name := range binding.Resolvers {
			if !seen[name] {
				errs = append(errs, fmt.Errorf("engine file: realm %q references unknown resolver %q", realm, name))
			}
		}
	}
	return errors.Join(errs...)
}

// Bindings are the opened resolvers per realm. Close releases SQL connections.
type Bindings struct {
	Realms  map[string][]resolver.Resolver
	closers []io.Closer
}

// Close closes every SQL resolver opened by Build.
func (b *Bindings) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build opens every resolver and binds them to their realms. A resolver referenced by several
// realms is opened once. On error all resolvers opened so far are closed.
func (f *File) Build(ctx context.Context, hasher *security.Hasher) (*Bindings, error) {
	byName := make(map[string]resolver.Resolver, len(f.Resolvers))
	b := &Bindings{Realms: make(map[string][]resolver.Resolver, len(f.Realms))}
	for _, def := range f.Resolvers {
		switch strings.ToLower(def.Type) {
		case TypeStatic:
			byName[def.Name] = resolver.NewStaticResolver(def.Name, def.Users, hasher)
		case TypeSQL:
			r, err := resolver.OpenSQLResolver(ctx, def.Name, def.Driver, def.DSN, def.Queries, hasher)
			if err != nil {
				_ = b.Close()
				return nil, err
			}
			byName[def.Name] = r
			b.closers = append(b.closers, r)
		default:
			_ = b.Close()
			return nil, fmt.Errorf("engine file: resolver %q: unknown type %q", def.Name, def.Type)
		}
	}
	for realm, binding := range f.Realms {
		list := make([]resolver.Resolver, 0, len(binding.Resolvers))
		for _, name := range binding.Resolvers {
			r, ok := byName[name]
			if !ok {
				_ = b.Close()
				return nil, fmt.Errorf("engine file: realm %q references unknown resolver %q", realm, name)
			}
			list = append(list, r)
		}
		b.Realms[realm] = list
	}
	return b, nil
}
