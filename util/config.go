package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "pressfed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

// Signature standards for outgoing deliveries. Incoming requests are
// verified with whichever standard they carry.
const (
	SigDraft      = "draft"
	SigStructured = "rfc9421"
)

type AppConfig struct {
	Conf struct {
		Host                 string
		HttpPort             int    `yaml:"httpPort"`
		Domain               string `yaml:"domain"`
		ActorCacheTtlHours   int    `yaml:"actorCacheTtlHours"`
		SignatureSkewMinutes int    `yaml:"signatureSkewMinutes"`
		SignatureStandard    string `yaml:"signatureStandard"`
		MaxDeliveryAttempts  int    `yaml:"maxDeliveryAttempts"`
		DeliveryWorkers      int    `yaml:"deliveryWorkers"`
		QueuePollSeconds     int    `yaml:"queuePollSeconds"`
		UnreachableThreshold int    `yaml:"unreachableThreshold"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("Created default config file", "path", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnvOverrides(c)
	applyDefaults(c)

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	if v := os.Getenv("PRESSFED_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("PRESSFED_HTTPPORT"); v != "" {
		c.Conf.HttpPort = atoiOrKeep(v, c.Conf.HttpPort)
	}
	if v := os.Getenv("PRESSFED_DOMAIN"); v != "" {
		c.Conf.Domain = v
	}
	if v := os.Getenv("PRESSFED_ACTOR_CACHE_TTL_HOURS"); v != "" {
		c.Conf.ActorCacheTtlHours = atoiOrKeep(v, c.Conf.ActorCacheTtlHours)
	}
	if v := os.Getenv("PRESSFED_SIGNATURE_SKEW_MINUTES"); v != "" {
		c.Conf.SignatureSkewMinutes = atoiOrKeep(v, c.Conf.SignatureSkewMinutes)
	}
	if v := os.Getenv("PRESSFED_SIGNATURE_STANDARD"); v != "" {
		c.Conf.SignatureStandard = v
	}
	if v := os.Getenv("PRESSFED_MAX_DELIVERY_ATTEMPTS"); v != "" {
		c.Conf.MaxDeliveryAttempts = atoiOrKeep(v, c.Conf.MaxDeliveryAttempts)
	}
	if v := os.Getenv("PRESSFED_DELIVERY_WORKERS"); v != "" {
		c.Conf.DeliveryWorkers = atoiOrKeep(v, c.Conf.DeliveryWorkers)
	}
	if v := os.Getenv("PRESSFED_QUEUE_POLL_SECONDS"); v != "" {
		c.Conf.QueuePollSeconds = atoiOrKeep(v, c.Conf.QueuePollSeconds)
	}
	if v := os.Getenv("PRESSFED_UNREACHABLE_THRESHOLD"); v != "" {
		c.Conf.UnreachableThreshold = atoiOrKeep(v, c.Conf.UnreachableThreshold)
	}
}

func applyDefaults(c *AppConfig) {
	if c.Conf.ActorCacheTtlHours <= 0 {
		c.Conf.ActorCacheTtlHours = 24
	}
	if c.Conf.SignatureSkewMinutes <= 0 {
		c.Conf.SignatureSkewMinutes = 120
	}
	if c.Conf.SignatureStandard != SigStructured {
		c.Conf.SignatureStandard = SigDraft
	}
	if c.Conf.MaxDeliveryAttempts <= 0 {
		c.Conf.MaxDeliveryAttempts = 10
	}
	if c.Conf.DeliveryWorkers <= 0 {
		c.Conf.DeliveryWorkers = 4
	}
	if c.Conf.QueuePollSeconds <= 0 {
		c.Conf.QueuePollSeconds = 10
	}
	if c.Conf.UnreachableThreshold <= 0 {
		c.Conf.UnreachableThreshold = 5
	}
}

func atoiOrKeep(s string, old int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		fmt.Println(err)
		return old
	}
	return v
}
