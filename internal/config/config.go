package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// Config represents the application configuration
type Config struct {
	HTTP struct {
		Addr string `koanf:"addr"`
		// Domain is the public base URL of this service.
		Domain string `koanf:"domain"`
		// MainAppDomain is the product UI users return to after linking.
		MainAppDomain string `koanf:"main_app_domain"`
	} `koanf:"http"`

	Facebook struct {
		AppID        string `koanf:"app_id"`
		AppSecret    string `koanf:"app_secret"`
		Permissions  string `koanf:"permissions"`
		VerifyToken  string `koanf:"verify_token"`
		GraphVersion string `koanf:"graph_version"`
	} `koanf:"facebook"`

	Google struct {
		ProjectID       string        `koanf:"project_id"`
		Topic           string        `koanf:"topic"`
		Subscription    string        `koanf:"subscription"`
		CredentialsFile string        `koanf:"credentials_file"`
		ClientID        string        `koanf:"client_id"`
		ClientSecret    string        `koanf:"client_secret"`
		PushAudience    string        `koanf:"push_audience"`
		PushEmail       string        `koanf:"push_email"`
		WatchRenewal    time.Duration `koanf:"watch_renewal"`
	} `koanf:"google"`

	Outlook struct {
		PollInterval time.Duration `koanf:"poll_interval"`
	} `koanf:"outlook"`

	Storage struct {
		DatabasePath string `koanf:"database_path"`
		QueuePath    string `koanf:"queue_path"`
	} `koanf:"storage"`

	NATS struct {
		URL string `koanf:"url"`
	} `koanf:"nats"`

	Admin struct {
		APIKeyHash  string `koanf:"api_key_hash"`
		StateSecret string `koanf:"state_secret"`
	} `koanf:"admin"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`

	Thread struct {
		MaxDepth    int `koanf:"max_depth"`
		MaxNodes    int `koanf:"max_nodes"`
		Concurrency int `koanf:"concurrency"`
	} `koanf:"thread"`

	Webhook struct {
		Workers   int `koanf:"workers"`
		QueueSize int `koanf:"queue_size"`
	} `koanf:"webhook"`

	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

var defaults = map[string]interface{}{
	"http.addr":              ":8080",
	"facebook.permissions":   "manage_pages,pages_show_list,pages_messaging",
	"facebook.graph_version": "v3.2",
	"google.watch_renewal":   "24h",
	"outlook.poll_interval":  "30s",
	"storage.database_path":  "data/convosync.db",
	"storage.queue_path":     "data/queue.db",
	"log.level":              "info",
	"log.format":             "json",
	"thread.max_depth":       10,
	"thread.max_nodes":       5000,
	"thread.concurrency":     4,
	"webhook.workers":        4,
	"webhook.queue_size":     256,
	"shutdown_timeout":       "15s",
}

// envKeys maps the deployment's environment variables to config keys.
var envKeys = map[string]string{
	"FACEBOOK_APP_ID":                "facebook.app_id",
	"FACEBOOK_APP_SECRET":            "facebook.app_secret",
	"FACEBOOK_PERMISSIONS":           "facebook.permissions",
	"FACEBOOK_VERIFY_TOKEN":          "facebook.verify_token",
	"DOMAIN":                         "http.domain",
	"MAIN_APP_DOMAIN":                "http.main_app_domain",
	"HTTP_ADDR":                      "http.addr",
	"GOOGLE_PROJECT_ID":              "google.project_id",
	"GOOGLE_TOPIC":                   "google.topic",
	"GOOGLE_SUBSCRIPTION_NAME":       "google.subscription",
	"GOOGLE_APPLICATION_CREDENTIALS": "google.credentials_file",
	"GOOGLE_CLIENT_ID":               "google.client_id",
	"GOOGLE_CLIENT_SECRET":           "google.client_secret",
	"GOOGLE_PUSH_AUDIENCE":           "google.push_audience",
	"GOOGLE_PUSH_EMAIL":              "google.push_email",
	"OUTLOOK_POLL_INTERVAL":          "outlook.poll_interval",
	"DATABASE_PATH":                  "storage.database_path",
	"QUEUE_PATH":                     "storage.queue_path",
	"NATS_URL":                       "nats.url",
	"ADMIN_API_KEY_HASH":             "admin.api_key_hash",
	"OAUTH_STATE_SECRET":             "admin.state_secret",
	"LOG_LEVEL":                      "log.level",
	"LOG_FORMAT":                     "log.format",
	"THREAD_MAX_DEPTH":               "thread.max_depth",
	"THREAD_MAX_NODES":               "thread.max_nodes",
	"THREAD_CONCURRENCY":             "thread.concurrency",
	"SHUTDOWN_TIMEOUT":               "shutdown_timeout",
}

// legacySubscriptionEnv is the misspelled name older deployments export.
// GOOGLE_SUBSCRIPTION_NAME wins when both are set.
const legacySubscriptionEnv = "GOOGLE_SUPSCRIPTION_NAME"

// Load reads defaults, then the TOML file at configPath (or the first
// default location that exists), then the environment.
func Load(configPath string) (*Config, error) {
	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		for _, path := range []string{"./data/convosync.toml", "./convosync.toml"} {
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
					return nil, fmt.Errorf("error loading config %s: %w", path, err)
				}
				break
			}
		}
	}

	if err := k.Load(env.Provider(legacySubscriptionEnv, ".", func(s string) string {
		if s != legacySubscriptionEnv {
			return ""
		}
		return "google.subscription"
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	// CONVOSYNC_<SECTION>__<KEY> reaches every key, e.g. CONVOSYNC_WEBHOOK__WORKERS.
	if err := k.Load(env.Provider("CONVOSYNC_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CONVOSYNC_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.applyDerived()

	return &cfg, nil
}

func (c *Config) applyDerived() {
	c.HTTP.Domain = strings.TrimSuffix(c.HTTP.Domain, "/")
	if c.Facebook.VerifyToken == "" {
		c.Facebook.VerifyToken = c.Facebook.AppID
	}
	if c.Google.PushAudience == "" && c.HTTP.Domain != "" {
		c.Google.PushAudience = c.HTTP.Domain + "/service/gmail/push"
	}
}

// GmailEnabled reports whether Pub/Sub notifications are configured.
func (c *Config) GmailEnabled() bool {
	return c.Google.ProjectID != ""
}

// TopicName returns the fully qualified Pub/Sub topic Gmail publishes to.
func (c *Config) TopicName() string {
	if strings.HasPrefix(c.Google.Topic, "projects/") {
		return c.Google.Topic
	}
	return fmt.Sprintf("projects/%s/topics/%s", c.Google.ProjectID, c.Google.Topic)
}

// TopicID returns the short topic id.
func (c *Config) TopicID() string {
	if i := strings.LastIndex(c.Google.Topic, "/"); i >= 0 {
		return c.Google.Topic[i+1:]
	}
	return c.Google.Topic
}

// Validate fails on the first setting the service cannot start without.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Storage.DatabasePath == "" {
		return errors.New("storage.database_path is required")
	}
	if c.Facebook.AppID == "" {
		return errors.New("FACEBOOK_APP_ID not found in env")
	}
	if c.GmailEnabled() {
		if c.Google.Topic == "" {
			return errors.New("GOOGLE_TOPIC not found in env")
		}
		if c.Google.Subscription == "" {
			return errors.New("GOOGLE_SUBSCRIPTION_NAME not found in env")
		}
	}
	if c.Google.ClientID != "" && !c.GmailEnabled() {
		return errors.New("GOOGLE_PROJECT_ID is required to link gmail accounts")
	}
	if (c.Facebook.AppSecret != "" || c.Google.ClientID != "") && len(c.Admin.StateSecret) < 16 {
		return errors.New("admin.state_secret must be at least 16 characters when oauth is enabled")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if c.Thread.MaxDepth <= 0 || c.Thread.MaxNodes <= 0 || c.Thread.Concurrency <= 0 {
		return errors.New("thread limits must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}
	return nil
}

// InitConfig writes a sample configuration file.
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sample := `# convosync configuration. Environment variables override these values.

shutdown_timeout = "15s"

[http]
addr = ":8080"
domain = "https://hooks.example.com"
main_app_domain = "https://app.example.com"

[facebook]
app_id = "your-app-id"
app_secret = "your-app-secret"
permissions = "manage_pages,pages_show_list,pages_messaging"

[google]
project_id = "your-project"
topic = "gmail-notifications"
subscription = "convosync"
client_id = "your-client-id"
client_secret = "your-client-secret"

[storage]
database_path = "data/convosync.db"
queue_path = "data/queue.db"

[nats]
url = "nats://127.0.0.1:4222"

[admin]
# convosync hash-key <key>
api_key_hash = ""
state_secret = "change-me-to-a-long-random-string"

[log]
level = "info"
format = "json"
`
	return os.WriteFile(configPath, []byte(sample), 0644)
}
