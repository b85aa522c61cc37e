package providers

import (
	"context"
	"os"

	"github.com/Shopify/sarama"
	"github.com/pelletier/go-toml"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Kafka config keys.
const (
	ConfKafkaAddrs      = "kafka.addrs"
	ConfKafkaConfigFile = "kafka.config_file"
)

func init() {
	viper.SetDefault(ConfKafkaAddrs, []string{})
	viper.SetDefault(ConfKafkaConfigFile, "")
}

// NewSaramaConfig builds the Kafka client config, optionally read from a TOML file.
func NewSaramaConfig(log *zap.Logger) (*sarama.Config, error) {
	config := sarama.NewConfig()
	// Since sarama has so many options, it's easiest to read in a file.
	if configFilePath := viper.GetString(ConfKafkaConfigFile); configFilePath != "" {
		log.Info("Reading sarama config",
			zap.String(ConfKafkaConfigFile, configFilePath))
		f, err := os.Open(configFilePath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dec := toml.NewDecoder(f)
		if err := dec.Decode(config); err != nil {
			return nil, err
		}
	}
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.MetricRegistry = metrics.DefaultRegistry
	return config, nil
}

// NewSaramaClient connects to the Kafka brokers from config.
func NewSaramaClient(lc fx.Lifecycle, log *zap.Logger, config *sarama.Config) (sarama.Client, error) {
	// Construct client.
	addrs := viper.GetStringSlice(ConfKafkaAddrs)
	log.Info("Connecting to Kafka (sarama)",
		zap.Strings(ConfKafkaAddrs, addrs))
	client, err := sarama.NewClient(addrs, config)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

// NewSaramaSyncProducer creates a producer on the client.
func NewSaramaSyncProducer(
	log *zap.Logger,
	saramaClient sarama.Client,
	lc fx.Lifecycle,
) (sarama.SyncProducer, error) {
	producer, err := sarama.NewSyncProducerFromClient(saramaClient)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing Kafka producer")
			return producer.Close()
		},
	})
	return producer, nil
}
