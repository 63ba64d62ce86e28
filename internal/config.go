package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/crudfs/internal/blob/estuary"
	"github.com/starford/crudfs/internal/ledger"
	"github.com/starford/crudfs/internal/manifest"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Ledger backends.
const (
	LedgerEthereum = "ethereum"
	LedgerSQLite   = "sqlite"
	LedgerMemory   = "memory"
)

// Store backends.
const (
	StoreEstuary = "estuary"
	StoreLocalFS = "localfs"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app" toml:"app"`
	Ledger   LedgerConfig      `yaml:"ledger" toml:"ledger"`
	Store    StoreConfig       `yaml:"store" toml:"store"`
	Manifest ManifestConfig    `yaml:"manifest" toml:"manifest"`
	Auth     AuthConfig        `yaml:"auth" toml:"auth"`
	Watch    WatchConfig       `yaml:"watch" toml:"watch"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Ledger.Validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Manifest.Validate(); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if err := c.Watch.Validate(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return c.Auth.Validate()
}

// ApplyEnv overlays the conventional environment variables on c. Variables
// that are unset or empty leave the file value alone.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		return v, ok && v != ""
	}
	if v, ok := get("API_URL"); ok {
		c.Ledger.APIURL = v
	}
	if v, ok := get("API_KEY"); ok {
		c.Ledger.APIKey = v
	}
	if v, ok := get("CHAIN_ID"); ok {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHAIN_ID must be a number: %w", err)
		}
		c.Ledger.ChainID = id
	}
	if v, ok := get("PRIVATE_KEY"); ok {
		c.Ledger.PrivateKey = v
	}
	if v, ok := get("CONTRACT_ADDRESS"); ok {
		c.Ledger.ContractAddress = v
	}
	if v, ok := get("ESTUARY_API_KEY"); ok {
		c.Store.APIKey = v
	}
	if v, ok := get("ESTUARY_API_HOSTNAME"); ok {
		c.Store.Host = v
	}
	if v, ok := get("CRUDFS_LEDGER_BACKEND"); ok {
		c.Ledger.Backend = v
	}
	if v, ok := get("CRUDFS_STORE_BACKEND"); ok {
		c.Store.Backend = v
	}
	if v, ok := get("CRUDFS_MANIFEST"); ok {
		c.Manifest.Path = v
	}
	if v, ok := get("CRUDFS_CONFIRM_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CRUDFS_CONFIRM_TIMEOUT: %w", err)
		}
		c.Ledger.ConfirmTimeout = d
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level" toml:"log_level"`
	// Root confines API and MCP paths and receives uploads. Optional.
	Root string     `yaml:"root" toml:"root"`
	HTTP HTTPConfig `yaml:"http" toml:"http"`
}

// Validate validates the application configuration and makes Root
// absolute.
func (c *ApplicationConfig) Validate() error {
	if c.Root != "" {
		root, err := filepath.Abs(c.Root)
		if err != nil {
			return fmt.Errorf("app: root: %w", err)
		}
		c.Root = root
	}
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port" toml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// LedgerConfig selects and configures the ledger backend.
type LedgerConfig struct {
	Backend         string        `yaml:"backend" toml:"backend"`
	APIURL          string        `yaml:"api_url" toml:"api_url"`
	APIKey          string        `yaml:"api_key" toml:"api_key"`
	ChainID         uint64        `yaml:"chain_id" toml:"chain_id"`
	PrivateKey      string        `yaml:"private_key" toml:"private_key"`
	ContractAddress string        `yaml:"contract_address" toml:"contract_address"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	SQLitePath      string        `yaml:"sqlite_path" toml:"sqlite_path"`
}

// Endpoint returns the JSON-RPC URL: the API URL with the API key appended
// as the last path segment.
func (c *LedgerConfig) Endpoint() string {
	if c.APIKey == "" {
		return c.APIURL
	}
	return strings.TrimSuffix(c.APIURL, "/") + "/" + c.APIKey
}

// Validate validates the ledger configuration. Every missing credential of
// the ethereum backend is reported at once.
func (c *LedgerConfig) Validate() error {
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = ledger.DefaultConfirmTimeout
	}
	eth := c.Backend == LedgerEthereum
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(LedgerEthereum, LedgerSQLite, LedgerMemory)),
		validation.Field(&c.APIURL, validation.When(eth, validation.Required)),
		validation.Field(&c.APIKey, validation.When(eth, validation.Required)),
		validation.Field(&c.ChainID, validation.When(eth, validation.Required)),
		validation.Field(&c.PrivateKey, validation.When(eth, validation.Required)),
		validation.Field(&c.ContractAddress,
			validation.When(eth, validation.Required),
			validation.By(func(any) error {
				if c.ContractAddress == "" {
					return nil
				}
				return manifest.ValidateAddress(c.ContractAddress)
			})),
		validation.Field(&c.ConfirmTimeout, validation.Min(time.Second)),
		validation.Field(&c.SQLitePath, validation.When(c.Backend == LedgerSQLite, validation.Required)),
	)
}

// StoreConfig selects and configures the blob store backend.
type StoreConfig struct {
	Backend   string `yaml:"backend" toml:"backend"`
	Host      string `yaml:"host" toml:"host"`
	APIKey    string `yaml:"api_key" toml:"api_key"`
	LocalPath string `yaml:"local_path" toml:"local_path"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	if c.Backend == StoreEstuary && c.Host == "" {
		c.Host = estuary.DefaultHost
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(StoreEstuary, StoreLocalFS)),
		validation.Field(&c.APIKey, validation.When(c.Backend == StoreEstuary, validation.Required)),
		validation.Field(&c.LocalPath, validation.When(c.Backend == StoreLocalFS, validation.Required)),
	)
}

// ManifestConfig holds the manifest location.
type ManifestConfig struct {
	Path string `yaml:"path" toml:"path"`
	// JournalDir holds in-flight intents for crash recovery. Defaults to
	// "<path>.intents".
	JournalDir string `yaml:"journal_dir" toml:"journal_dir"`
}

// Validate validates the manifest configuration.
func (c *ManifestConfig) Validate() error {
	if c.Path == "" {
		c.Path = manifest.DefaultPath
	}
	if c.JournalDir == "" {
		c.JournalDir = c.Path + ".intents"
	}
	return nil
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode" toml:"mode"`
	Token string `yaml:"token" toml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// WatchConfig controls the file watcher.
type WatchConfig struct {
	Enabled        bool          `yaml:"enabled" toml:"enabled"`
	DeleteOnRemove bool          `yaml:"delete_on_remove" toml:"delete_on_remove"`
	AutoTrack      bool          `yaml:"auto_track" toml:"auto_track"`
	Debounce       time.Duration `yaml:"debounce" toml:"debounce"`
}

// Validate validates the watch configuration.
func (c *WatchConfig) Validate() error {
	if c.Debounce == 0 {
		c.Debounce = 300 * time.Millisecond
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Min(10*time.Millisecond)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Ledger: LedgerConfig{
			Backend:        LedgerSQLite,
			ConfirmTimeout: ledger.DefaultConfirmTimeout,
			SQLitePath:     "./crudfs-ledger.db",
		},
		Store: StoreConfig{
			Backend:   StoreLocalFS,
			LocalPath: "./objects",
		},
		Manifest: ManifestConfig{
			Path: manifest.DefaultPath,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Watch: WatchConfig{
			Debounce: 300 * time.Millisecond,
		},
	}
}
