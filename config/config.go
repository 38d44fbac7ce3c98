/*
Copyright 2024 Leadline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5002"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"LEADLINE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"LEADLINE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"LEADLINE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"LEADLINE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"LEADLINE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"LEADLINE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"LEADLINE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"LEADLINE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"LEADLINE_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	WebhookQueue   string `json:"webhook_queue" envconfig:"LEADLINE_QUEUE_WEBHOOK"`
	ResumeQueue    string `json:"resume_queue" envconfig:"LEADLINE_QUEUE_RESUME"`
	MonitoringPort string `json:"monitoring_port" envconfig:"LEADLINE_QUEUE_MONITORING_PORT"`
}

// WorkflowConfig holds the engine tunables: batching, timeouts, heartbeat
// cadence, the per-account invite budget and the transient retry cap.
type WorkflowConfig struct {
	BatchSize           int    `json:"batch_size" envconfig:"LEADLINE_WORKFLOW_BATCH_SIZE"`
	InterBatchDelayMs   int    `json:"inter_batch_delay_ms" envconfig:"LEADLINE_WORKFLOW_INTER_BATCH_DELAY_MS"`
	PerLeadTimeoutMs    int    `json:"per_lead_timeout_ms" envconfig:"LEADLINE_WORKFLOW_PER_LEAD_TIMEOUT_MS"`
	JobTimeoutMs        int    `json:"job_timeout_ms" envconfig:"LEADLINE_WORKFLOW_JOB_TIMEOUT_MS"`
	HeartbeatIntervalMs int    `json:"heartbeat_interval_ms" envconfig:"LEADLINE_WORKFLOW_HEARTBEAT_INTERVAL_MS"`
	HeartbeatDeadFactor int    `json:"heartbeat_dead_factor" envconfig:"LEADLINE_WORKFLOW_HEARTBEAT_DEAD_FACTOR"`
	DailyLimit          int    `json:"daily_limit" envconfig:"LEADLINE_WORKFLOW_DAILY_LIMIT"`
	MaxRetriesPerLead   int    `json:"max_retries_per_lead" envconfig:"LEADLINE_WORKFLOW_MAX_RETRIES_PER_LEAD"`
	DefaultInviteNote   string `json:"default_invite_note" envconfig:"LEADLINE_WORKFLOW_DEFAULT_INVITE_NOTE"`
}

func (w WorkflowConfig) InterBatchDelay() time.Duration {
	return time.Duration(w.InterBatchDelayMs) * time.Millisecond
}

func (w WorkflowConfig) PerLeadTimeout() time.Duration {
	return time.Duration(w.PerLeadTimeoutMs) * time.Millisecond
}

func (w WorkflowConfig) JobTimeout() time.Duration {
	return time.Duration(w.JobTimeoutMs) * time.Millisecond
}

func (w WorkflowConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalMs) * time.Millisecond
}

// DeadAfter is the staleness threshold past which a processing job is
// declared orphaned and flipped to timeout.
func (w WorkflowConfig) DeadAfter() time.Duration {
	return time.Duration(w.HeartbeatDeadFactor) * w.HeartbeatInterval()
}

// DriverConfig points the engine at the browser-automation sidecar and sets
// the politeness delay range applied between leads.
type DriverConfig struct {
	BridgeURL       string `json:"bridge_url" envconfig:"LEADLINE_DRIVER_BRIDGE_URL"`
	BridgeTimeoutMs int    `json:"bridge_timeout_ms" envconfig:"LEADLINE_DRIVER_BRIDGE_TIMEOUT_MS"`
	MinLeadDelayMs  int    `json:"min_lead_delay_ms" envconfig:"LEADLINE_DRIVER_MIN_LEAD_DELAY_MS"`
	MaxLeadDelayMs  int    `json:"max_lead_delay_ms" envconfig:"LEADLINE_DRIVER_MAX_LEAD_DELAY_MS"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"LEADLINE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"LEADLINE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"LEADLINE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"LEADLINE_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"LEADLINE_ENABLE_TELEMETRY"`
	TelemetryKey    string           `json:"telemetry_key" envconfig:"LEADLINE_TELEMETRY_KEY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Queue           QueueConfig      `json:"queue"`
	Workflow        WorkflowConfig   `json:"workflow"`
	Driver          DriverConfig     `json:"driver"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("leadline", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called leadline.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Leadline Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Queue.ResumeQueue == "" {
		cnf.Queue.ResumeQueue = "new:workflow-resume"
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5003"
	}

	cnf.Workflow.applyDefaults()
	cnf.Driver.applyDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}

	// Set default cleanup interval if not specified
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (w *WorkflowConfig) applyDefaults() {
	if w.BatchSize <= 0 {
		w.BatchSize = 5
	}
	if w.InterBatchDelayMs <= 0 {
		w.InterBatchDelayMs = 8000
	}
	if w.PerLeadTimeoutMs <= 0 {
		w.PerLeadTimeoutMs = 90000
	}
	if w.JobTimeoutMs <= 0 {
		w.JobTimeoutMs = int((24 * time.Hour).Milliseconds())
	}
	if w.HeartbeatIntervalMs <= 0 {
		w.HeartbeatIntervalMs = 15000
	}
	if w.HeartbeatDeadFactor <= 0 {
		w.HeartbeatDeadFactor = 4
	}
	if w.DailyLimit <= 0 {
		w.DailyLimit = 25
	}
	if w.MaxRetriesPerLead < 0 {
		w.MaxRetriesPerLead = 0
	}
	if w.MaxRetriesPerLead == 0 {
		w.MaxRetriesPerLead = 2
	}
}

func (d *DriverConfig) applyDefaults() {
	if d.BridgeTimeoutMs <= 0 {
		d.BridgeTimeoutMs = 60000
	}
	if d.MinLeadDelayMs <= 0 {
		d.MinLeadDelayMs = 3000
	}
	if d.MaxLeadDelayMs <= d.MinLeadDelayMs {
		d.MaxLeadDelayMs = d.MinLeadDelayMs + 5000
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.Workflow.applyDefaults()
	mockConfig.Driver.applyDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
