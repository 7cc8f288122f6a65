package core

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the environment-supplied runtime settings. Store-resident
// configuration (active CA, issuance defaults) lives in the database.
type Config struct {
	DataDir     string
	DbPath      string
	Port        int
	Host        string
	LogLevel    string
	WebhookUrl  string
	ExternalUrl string

	cfg *viper.Viper
}

const (
	CFG_DATA_DIR     = "data_dir"
	CFG_DB_PATH      = "db_path"
	CFG_PORT         = "port"
	CFG_HOST         = "host"
	CFG_LOG_LEVEL    = "log_level"
	CFG_WEBHOOK_URL  = "webhook_url"
	CFG_EXTERNAL_URL = "external_url"
)

func NewConfig() (*Config, error) {
	c := &Config{}

	c.cfg = viper.New()
	c.cfg.SetDefault(CFG_DATA_DIR, "./data")
	c.cfg.SetDefault(CFG_PORT, 8443)
	c.cfg.SetDefault(CFG_HOST, "")
	c.cfg.SetDefault(CFG_LOG_LEVEL, "info")
	c.cfg.AutomaticEnv()

	c.DataDir = c.cfg.GetString(CFG_DATA_DIR)
	c.DbPath = c.cfg.GetString(CFG_DB_PATH)
	if c.DbPath == "" {
		c.DbPath = filepath.Join(c.DataDir, "data.db")
	}
	c.Port = c.cfg.GetInt(CFG_PORT)
	if c.Port <= 0 || c.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", c.Port)
	}
	c.Host = c.cfg.GetString(CFG_HOST)
	c.LogLevel = strings.ToLower(c.cfg.GetString(CFG_LOG_LEVEL))
	c.WebhookUrl = c.cfg.GetString(CFG_WEBHOOK_URL)
	c.ExternalUrl = strings.TrimRight(c.cfg.GetString(CFG_EXTERNAL_URL), "/")

	return c, nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseUrl is the externally visible base used in ACME directory and
// Location values. EXTERNAL_URL wins over the request host.
func (c *Config) BaseUrl(r *http.Request) string {
	if c.ExternalUrl != "" {
		return c.ExternalUrl
	}
	scheme := "http"
	if r != nil && r.TLS != nil {
		scheme = "https"
	}
	host := ""
	if r != nil {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}
