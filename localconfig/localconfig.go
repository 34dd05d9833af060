// Package localconfig stores client settings in a YAML file under the
// user's home directory. Its main use is keeping the auth token so a client
// reconnects with the same identity on every run.
package localconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFolder = ".spacetimedb_go_sdk"
	DefaultFile   = "settings.yaml"

	AuthTokenKey = "auth_token"
)

// Options locate the settings file. Zero values select the defaults.
type Options struct {
	// Root defaults to the user's home directory.
	Root   string
	Folder string
	File   string
	// Client, when set, selects a per-client file: settings_<client>.yaml.
	// It lets several local clients keep separate identities.
	Client string
	// Defaults seed a settings file that does not exist yet.
	Defaults map[string]string
}

type document struct {
	Main map[string]string `yaml:"main"`
}

// Settings is a loaded settings file. Every Set writes the file through.
type Settings struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// Load reads the settings file, or starts from opts.Defaults when it does
// not exist. The file is not created until the first Set.
func Load(opts Options) (*Settings, error) {
	path, err := opts.path()
	if err != nil {
		return nil, err
	}
	s := &Settings{path: path, values: map[string]string{}}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		for k, v := range opts.Defaults {
			s.values[k] = v
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var doc document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	for k, v := range doc.Main {
		s.values[k] = v
	}
	return s, nil
}

func (o Options) path() (string, error) {
	root := o.Root
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		root = home
	}
	folder := o.Folder
	if folder == "" {
		folder = DefaultFolder
	}
	file := o.File
	if file == "" {
		file = DefaultFile
	}
	if o.Client != "" {
		ext := filepath.Ext(file)
		file = strings.TrimSuffix(file, ext) + "_" + o.Client + ext
	}
	return filepath.Join(root, folder, file), nil
}

func (s *Settings) Path() string {
	return s.path
}

// GetString returns the stored value and whether the key exists.
func (s *Settings) GetString(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Settings) SetString(key, value string) error {
	return s.Set(map[string]string{key: value})
}

// Set updates several keys and saves once.
func (s *Settings) Set(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
	return s.saveLocked()
}

func (s *Settings) saveLocked() error {
	data, err := yaml.Marshal(document{Main: s.values})
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create settings folder: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// AuthToken returns the saved auth token. A token whose exp claim has
// passed is treated as absent so the server issues a new identity.
func (s *Settings) AuthToken() string {
	token, ok := s.GetString(AuthTokenKey)
	if !ok || token == "" {
		return ""
	}
	if expired(token, time.Now()) {
		glog.Infof("[localconfig] saved auth token has expired, connecting anonymously")
		return ""
	}
	return token
}

func (s *Settings) SaveAuthToken(token string) error {
	return s.SetString(AuthTokenKey, token)
}

// expired reports whether token is a JWT with an exp claim before now.
// Tokens that do not parse as JWTs are passed through to the server.
func expired(token string, now time.Time) bool {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, claims); err != nil {
		glog.V(1).Infof("[localconfig] auth token is not a JWT: %v", err)
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
