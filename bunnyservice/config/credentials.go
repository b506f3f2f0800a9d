package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/tinywideclouds/go-bunny-service/pkg/scope"
)

// CredentialsFileName is the service account file expected in every scope's config_directory.
const CredentialsFileName = ".max_restricted"

// ErrMissingCredentials means a scope's credential file is absent or incomplete.
// The service cannot start without it.
var ErrMissingCredentials = errors.New("missing directory credentials")

type restrictedUser struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// LoadScopes reads the credential file of every configured scope and builds
// the scope table. The first scope that cannot be loaded aborts the load.
func LoadScopes(scopes map[string]ScopeConfig, logger *slog.Logger) (*scope.Table, error) {
	names := make([]string, 0, len(scopes))
	for name := range scopes {
		names = append(names, name)
	}
	sort.Strings(names)

	loaded := make([]scope.Scope, 0, len(names))
	for _, name := range names {
		sc := scopes[name]
		user, err := readRestrictedUser(filepath.Join(sc.ConfigDirectory, CredentialsFileName))
		if err != nil {
			return nil, fmt.Errorf("scope %q (server %s): %w; run the initialization script for this server", name, sc.Server, err)
		}
		loaded = append(loaded, scope.Scope{
			Name:          name,
			ServerURL:     sc.Server,
			AuthServerURL: sc.OAuthServer,
			Username:      user.Username,
			Token:         user.Token,
		})
		logger.Debug("Loaded directory credentials", "scope", name, "username", user.Username)
	}
	return scope.NewTable(loaded...), nil
}

func readRestrictedUser(path string) (restrictedUser, error) {
	var user restrictedUser
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return user, fmt.Errorf("%w: %s not found", ErrMissingCredentials, path)
		}
		return user, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &user); err != nil {
		return user, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if user.Username == "" || user.Token == "" {
		return user, fmt.Errorf("%w: %s needs both username and token", ErrMissingCredentials, path)
	}
	return user, nil
}
