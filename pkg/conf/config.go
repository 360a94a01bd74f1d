// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Analytics ledger configuration
type Config struct {
	LogLevel  string    `yaml:"log_level" split_words:"true"` // "debug", "info", "warn", "error"
	Port      int       `yaml:"port"`
	Dsn       string    `yaml:"dsn"`
	Access    Access    `yaml:"access"`
	JWT       JWT       `yaml:"jwt"`
	Cors      Cors      `yaml:"cors"`
	Schema    Schema    `yaml:"schema"`
	Directory Directory `yaml:"directory"`
	Queue     Queue     `yaml:"queue"`
	Views     Views     `yaml:"views"`
}

// Access holds the basic auth credentials of the ingestion and admin routes.
type Access struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// JWT protects the reporting routes.
type JWT struct {
	SecretKey string            `yaml:"secret_key" split_words:"true"`
	Admin     map[string]string `yaml:"admin"`
}

type Cors struct {
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"`
}

// Schema sets the project reference generation of tables created on first start.
type Schema struct {
	InitialGeneration int `yaml:"initial_generation" split_words:"true"`
}

// Directory configures the project directory lookup.
type Directory struct {
	Mode        string           `yaml:"mode"` // "base62" || "http" || "static"
	URLTemplate string           `yaml:"url_template" envconfig:"url_template"`
	Key         string           `yaml:"key"`
	Timeout     time.Duration    `yaml:"timeout"`
	Static      map[string]int64 `yaml:"static"`
}

// Queue configures the aggregating ingestion queue.
type Queue struct {
	FlushInterval time.Duration `yaml:"flush_interval" split_words:"true"`
	Shards        int           `yaml:"shards"`
}

// Views configures the safeguards of the public page view route.
type Views struct {
	AllowedDomains []string      `yaml:"allowed_domains" split_words:"true"` // a domain also allows its subdomains, empty allows all
	ProjectPaths   []string      `yaml:"project_paths" split_words:"true"`   // first path segments followed by a project slug, e.g. "mod"
	RateLimit      int           `yaml:"rate_limit" split_words:"true"`      // views per client and site path per window
	RateWindow     time.Duration `yaml:"rate_window" split_words:"true"`
	Pepper         string        `yaml:"pepper"`
	AdminKey       string        `yaml:"admin_key" split_words:"true"`
}

// Init reads the configuration file, then applies environment overrides
// (LEDGER_DSN, LEDGER_PORT, LEDGER_LOG_LEVEL, LEDGER_ACCESS_USERNAME ...)
// and finally the defaults.
func Init(configFile string) (*Config, error) {

	var c Config

	if configFile != "" {
		f, _ := filepath.Abs(configFile)
		yamlData, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		err = yaml.Unmarshal(yamlData, &c)
		if err != nil {
			return nil, err
		}
	}

	err := envconfig.Process("ledger", &c)
	if err != nil {
		return nil, err
	}

	if c.Dsn == "" {
		return nil, errors.New("missing database source name")
	}

	setDefaults(&c)
	if err := validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(c *Config) {
	if c.Port == 0 {
		c.Port = 8081
	}
	if c.Schema.InitialGeneration == 0 {
		c.Schema.InitialGeneration = 2
	}
	if c.Directory.Mode == "" {
		c.Directory.Mode = "base62"
	}
	if c.Directory.Timeout == 0 {
		c.Directory.Timeout = 10 * time.Second
	}
	if c.Queue.FlushInterval == 0 {
		c.Queue.FlushInterval = 5 * time.Minute
	}
	if c.Queue.Shards == 0 {
		c.Queue.Shards = 16
	}
	if c.Views.RateLimit == 0 {
		c.Views.RateLimit = 5
	}
	if c.Views.RateWindow == 0 {
		c.Views.RateWindow = time.Hour
	}
	if c.Views.ProjectPaths == nil {
		c.Views.ProjectPaths = []string{"mod", "modpack", "plugin", "resourcepack"}
	}
}

// validate rejects the values the defaults leave invalid.
func validate(c *Config) error {
	if c.Queue.FlushInterval <= 0 {
		return fmt.Errorf("invalid queue flush interval %s", c.Queue.FlushInterval)
	}
	if c.Queue.Shards < 0 {
		return fmt.Errorf("invalid number of queue shards %d", c.Queue.Shards)
	}
	if c.Views.RateLimit < 0 {
		return fmt.Errorf("invalid view rate limit %d", c.Views.RateLimit)
	}
	if c.Views.RateWindow <= 0 {
		return fmt.Errorf("invalid view rate window %s", c.Views.RateWindow)
	}
	if c.Directory.Timeout < 0 {
		return fmt.Errorf("invalid directory timeout %s", c.Directory.Timeout)
	}
	return nil
}
