package healthsync

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// BuildVersionBackendFromDSN selects a version backend by scheme:
// memory://, file://path.json, badger://dir, or postgres://dsn. Registered
// custom schemes take precedence. An empty DSN yields nil (bridge runs
// with an in-memory map).
func BuildVersionBackendFromDSN(dsn string) (VersionBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupVersionBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileVersionBackend(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryVersionBackend(), nil
	case "badger":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBadgerVersionBackend(path)
	case "postgres", "postgresql":
		return NewPostgresVersionBackend(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		// file://relative/path parses the first segment as a host.
		path = filepath.Join(parsed.Host, strings.TrimPrefix(path, "/"))
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: missing path in %q", ErrInvalidDSN, raw)
	}
	return path, nil
}
