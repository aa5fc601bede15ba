// Package cliauth keeps the tokens of a command-line login on disk and hands them out
// as a refreshing bearer source.
package cliauth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tyemirov/iasauth/pkg/oauthtokens"
	"gopkg.in/yaml.v3"
)

const (
	credentialsDirName  = ".iascli"
	credentialsFileName = "credentials.yaml"
)

// ErrNotLoggedIn indicates that no credentials are stored.
var ErrNotLoggedIn = errors.New("cli_auth.not_logged_in")

// Credentials is the on-disk form of a CLI login.
type Credentials struct {
	IssuerURL    string    `yaml:"issuer_url"`
	ClientID     string    `yaml:"client_id"`
	AccessToken  string    `yaml:"access_token"`
	TokenType    string    `yaml:"token_type"`
	RefreshToken string    `yaml:"refresh_token,omitempty"`
	ExpiresAt    time.Time `yaml:"expires_at,omitempty"`
}

// Tokens converts the credentials into a token value.
func (credentials Credentials) Tokens() (oauthtokens.OAuthTokens, error) {
	return oauthtokens.New(credentials.AccessToken, credentials.TokenType, credentials.RefreshToken, credentials.ExpiresAt)
}

// WithTokens returns a copy carrying tokens.
func (credentials Credentials) WithTokens(tokens oauthtokens.OAuthTokens) Credentials {
	credentials.AccessToken = tokens.AccessToken
	credentials.TokenType = tokens.TokenType
	credentials.RefreshToken = tokens.RefreshToken
	credentials.ExpiresAt = tokens.UTCExpiresAt
	return credentials
}

// CredentialsFile reads and writes Credentials as YAML readable only by the owner.
type CredentialsFile struct {
	path string
}

// DefaultCredentialsPath returns $HOME/.iascli/credentials.yaml.
func DefaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cli_auth.home_dir: %w", err)
	}
	return filepath.Join(home, credentialsDirName, credentialsFileName), nil
}

// NewCredentialsFile binds a CredentialsFile to path.
func NewCredentialsFile(path string) (*CredentialsFile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("cli_auth.missing_credentials_path")
	}
	return &CredentialsFile{path: path}, nil
}

// Path returns the file location.
func (file *CredentialsFile) Path() string {
	return file.path
}

// Load reads the stored credentials, returning ErrNotLoggedIn when the file does not exist.
func (file *CredentialsFile) Load() (Credentials, error) {
	contents, err := os.ReadFile(file.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, ErrNotLoggedIn
		}
		return Credentials{}, fmt.Errorf("cli_auth.read_credentials: %w", err)
	}
	var credentials Credentials
	if err := yaml.Unmarshal(contents, &credentials); err != nil {
		return Credentials{}, fmt.Errorf("cli_auth.decode_credentials: %w", err)
	}
	if strings.TrimSpace(credentials.AccessToken) == "" {
		return Credentials{}, ErrNotLoggedIn
	}
	return credentials, nil
}

// Save replaces the stored credentials via a temporary file and rename.
func (file *CredentialsFile) Save(credentials Credentials) error {
	contents, err := yaml.Marshal(credentials)
	if err != nil {
		return fmt.Errorf("cli_auth.encode_credentials: %w", err)
	}
	directory := filepath.Dir(file.path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("cli_auth.create_dir: %w", err)
	}
	temporary, err := os.CreateTemp(directory, ".credentials-*")
	if err != nil {
		return fmt.Errorf("cli_auth.write_credentials: %w", err)
	}
	temporaryPath := temporary.Name()
	defer func() { _ = os.Remove(temporaryPath) }()
	if err := temporary.Chmod(0o600); err != nil {
		_ = temporary.Close()
		return fmt.Errorf("cli_auth.write_credentials: %w", err)
	}
	if _, err := temporary.Write(contents); err != nil {
		_ = temporary.Close()
		return fmt.Errorf("cli_auth.write_credentials: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("cli_auth.write_credentials: %w", err)
	}
	if err := os.Rename(temporaryPath, file.path); err != nil {
		return fmt.Errorf("cli_auth.write_credentials: %w", err)
	}
	return nil
}

// Delete removes the stored credentials. Deleting a missing file is not an error.
func (file *CredentialsFile) Delete() error {
	if err := os.Remove(file.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cli_auth.delete_credentials: %w", err)
	}
	return nil
}
