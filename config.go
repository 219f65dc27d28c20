package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xplshn/tracerr2"
	"gopkg.in/yaml.v3"
)

const (
	defaultAddr     = "127.0.0.1:4000"
	defaultRoot     = "."
	defaultTheme    = "gruvbox-dark"
	defaultLogLevel = "info"
	defaultIndex    = "index.html"
)

var (
	errInvalidAddr     = errors.New("invalid bind address")
	errInvalidRoot     = errors.New("invalid root directory")
	errInvalidLogLevel = errors.New("invalid log level")
	errUnsetEnvVar     = errors.New("environment variable not set or empty")
)

// FileConfig mirrors the YAML config file. Pointer fields stay nil when a key
// is absent so that flags and defaults can fill them in.
type FileConfig struct {
	Addr       *string           `yaml:"addr"`
	Root       *string           `yaml:"root"`
	Extensions *bool             `yaml:"extensions"`
	Theme      *string           `yaml:"theme"`
	LogLevel   *string           `yaml:"log-level"`
	IndexFiles []string          `yaml:"index-files"`
	MimeTypes  map[string]string `yaml:"mime-types"`
}

// Config is built once at startup and handed to NewServer by value.
type Config struct {
	Addr       string
	Root       string
	Extensions bool
	Theme      string
	LogLevel   slog.Level
	IndexFiles []string
	MimeTypes  map[string]string
}

var envVarPattern = regexp.MustCompile(`\{\{\s*env\.(\w+)\s*\}\}`)

// expandEnvVars substitutes {{ env.NAME }} placeholders in a config file.
// Every unset or empty NAME is reported together.
func expandEnvVars(data []byte) ([]byte, error) {
	var (
		out     bytes.Buffer
		missing []string
		last    int
	)
	for _, m := range envVarPattern.FindAllSubmatchIndex(data, -1) {
		name := string(data[m[2]:m[3]])
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			missing = append(missing, name)
			continue
		}
		out.Write(data[last:m[0]])
		out.WriteString(value)
		last = m[1]
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", errUnsetEnvVar, strings.Join(missing, ", "))
	}
	out.Write(data[last:])
	return out.Bytes(), nil
}

func loadConfigFile(path string, logger *slog.Logger) (*FileConfig, error) {
	logger.Info("loading configuration file", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, tracerr.Wrapf(err, "error reading config file %s", path)
	}

	processed, err := expandEnvVars(data)
	if err != nil {
		return nil, tracerr.Wrapf(err, "error processing env vars in config")
	}

	var fc FileConfig
	if err := yaml.Unmarshal(processed, &fc); err != nil {
		return nil, tracerr.Wrapf(err, "error parsing YAML file %s", path)
	}
	return &fc, nil
}

// newConfig merges command line values over the config file over defaults,
// then validates the result. flags uses the same shape as the file so that
// "not given" is nil in both.
func newConfig(flags, file FileConfig) (Config, error) {
	resolveStr := func(flagVal, fileVal *string, defaultVal string) string {
		if flagVal != nil {
			return *flagVal
		}
		if fileVal != nil {
			return *fileVal
		}
		return defaultVal
	}
	resolveBool := func(flagVal, fileVal *bool, defaultVal bool) bool {
		if flagVal != nil {
			return *flagVal
		}
		if fileVal != nil {
			return *fileVal
		}
		return defaultVal
	}

	cfg := Config{
		Addr:       resolveStr(flags.Addr, file.Addr, defaultAddr),
		Extensions: resolveBool(flags.Extensions, file.Extensions, false),
		Theme:      resolveStr(flags.Theme, file.Theme, defaultTheme),
		IndexFiles: []string{defaultIndex},
		MimeTypes:  make(map[string]string, len(file.MimeTypes)),
	}

	if _, err := net.ResolveTCPAddr("tcp", cfg.Addr); err != nil {
		return Config{}, fmt.Errorf("%w %q: %v", errInvalidAddr, cfg.Addr, err)
	}

	root, err := canonicalRoot(resolveStr(flags.Root, file.Root, defaultRoot))
	if err != nil {
		return Config{}, err
	}
	cfg.Root = root

	level, err := parseLogLevel(resolveStr(flags.LogLevel, file.LogLevel, defaultLogLevel))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if len(flags.IndexFiles) > 0 {
		cfg.IndexFiles = flags.IndexFiles
	} else if len(file.IndexFiles) > 0 {
		cfg.IndexFiles = file.IndexFiles
	}

	for ext, ct := range file.MimeTypes {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.MimeTypes[ext] = ct
	}

	return cfg, nil
}

// canonicalRoot returns dir as an absolute path with symlinks resolved, or
// errInvalidRoot if it is missing or not a directory.
func canonicalRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", errInvalidRoot, dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", errInvalidRoot, dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w %q: not a directory", errInvalidRoot, dir)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", errInvalidRoot, dir, err)
	}
	return resolved, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w %q", errInvalidLogLevel, s)
	}
	return level, nil
}
