// Package connections owns the connection profiles, the per-profile
// provider lifecycle, and the typed event channel consumed by the
// presentation layer.
package connections

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind tags the backend technology behind a profile.
type Kind string

const (
	KindRabbitMQ Kind = "rabbitmq"
	KindKafka    Kind = "kafka"
	KindSQS      Kind = "sqs"
	KindAzureBus Kind = "azurebus"
)

// RabbitMQParams are the rabbitmq profile parameters.
type RabbitMQParams struct {
	URL           string `yaml:"url"`
	Vhost         string `yaml:"vhost"`
	ManagementURL string `yaml:"managementUrl"`
}

// KafkaParams are the kafka profile parameters.
type KafkaParams struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientId"`
}

// SQSParams are the sqs profile parameters.
type SQSParams struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// AzureBusParams are the azurebus profile parameters.
type AzureBusParams struct {
	ConnectionString string `yaml:"connectionString"`
}

// Profile identifies one connection: a unique id, a display name, the
// provider kind, and the kind's parameters. Profiles are created by the
// persistence layer and read-only to the core.
type Profile struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Kind     Kind            `yaml:"kind"`
	RabbitMQ *RabbitMQParams `yaml:"rabbitmq,omitempty"`
	Kafka    *KafkaParams    `yaml:"kafka,omitempty"`
	SQS      *SQSParams      `yaml:"sqs,omitempty"`
	AzureBus *AzureBusParams `yaml:"azurebus,omitempty"`
}

// Validate checks that the profile names its kind's parameter block.
func (p Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile has no id")
	}
	switch p.Kind {
	case KindRabbitMQ:
		if p.RabbitMQ == nil || p.RabbitMQ.URL == "" {
			return fmt.Errorf("profile %s: rabbitmq.url is required", p.ID)
		}
	case KindKafka:
		if p.Kafka == nil || len(p.Kafka.Brokers) == 0 {
			return fmt.Errorf("profile %s: kafka.brokers is required", p.ID)
		}
	case KindSQS:
		if p.SQS == nil || p.SQS.Region == "" {
			return fmt.Errorf("profile %s: sqs.region is required", p.ID)
		}
	case KindAzureBus:
		if p.AzureBus == nil || p.AzureBus.ConnectionString == "" {
			return fmt.Errorf("profile %s: azurebus.connectionString is required", p.ID)
		}
	default:
		return fmt.Errorf("profile %s: unknown kind %q", p.ID, p.Kind)
	}
	return nil
}

type profileFile struct {
	Connections []Profile `yaml:"connections"`
}

// LoadProfiles reads a YAML profile file and validates every entry.
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}

	seen := make(map[string]bool, len(file.Connections))
	for _, p := range file.Connections {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return file.Connections, nil
}
