package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Clients   ClientsConfig   `mapstructure:"clients"`
	Server    ServerConfig    `mapstructure:"server"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Data      DataConfig      `mapstructure:"data"`
	Trainer   TrainerConfig   `mapstructure:"trainer"`
	Algorithm AlgorithmConfig `mapstructure:"algorithm"`
	Results   ResultsConfig   `mapstructure:"results"`
	Database  DatabaseConfig  `mapstructure:"database"`
	AWS       AWSConfig       `mapstructure:"aws"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

type ClientsConfig struct {
	TotalClients           int                `mapstructure:"total_clients"`
	PerRound               int                `mapstructure:"per_round"`
	Simulate               bool               `mapstructure:"simulate"`
	SpeedSimulation        bool               `mapstructure:"speed_simulation"`
	SleepSimulation        bool               `mapstructure:"sleep_simulation"`
	SimulationDistribution DistributionConfig `mapstructure:"simulation_distribution"`
	AvgTrainingTime        float64            `mapstructure:"avg_training_time"`
	BandwidthMbps          float64            `mapstructure:"bandwidth_mbps"`
	AttackType             string             `mapstructure:"attack_type"`
	AttackStrength         float64            `mapstructure:"attack_strength"`
	Attackers              []int              `mapstructure:"attackers"`
	Seed                   int64              `mapstructure:"random_seed"`
}

type DistributionConfig struct {
	Distribution string  `mapstructure:"distribution"`
	Shape        float64 `mapstructure:"s"`
}

type ServerConfig struct {
	Host                     string        `mapstructure:"address"`
	Port                     string        `mapstructure:"port"`
	Endpoint                 string        `mapstructure:"endpoint"`
	Synchronous              bool          `mapstructure:"synchronous"`
	SimulateWallTime         bool          `mapstructure:"simulate_wall_time"`
	MinimumClientsAggregated int           `mapstructure:"minimum_clients_aggregated"`
	Detector                 string        `mapstructure:"detector_type"`
	StalenessBound           int           `mapstructure:"staleness_bound"`
	WindowDeadline           time.Duration `mapstructure:"window_deadline"`
	DoTest                   bool          `mapstructure:"do_test"`
	MaxAggregationFailures   int           `mapstructure:"max_aggregation_failures"`
	CheckpointPath           string        `mapstructure:"checkpoint_path"`
	CheckpointInterval       int           `mapstructure:"checkpoint_interval"`
	ModelPath                string        `mapstructure:"model_path"`
}

type FilterConfig struct {
	Tolerance float64 `mapstructure:"tolerance"`
	Margin    float64 `mapstructure:"margin"`
}

type DataConfig struct {
	Datasource     string  `mapstructure:"datasource"`
	DataPath       string  `mapstructure:"data_path"`
	PartitionSize  int     `mapstructure:"partition_size"`
	Concentration  float64 `mapstructure:"concentration"`
	ModelDimension int     `mapstructure:"model_dimension"`
}

type TrainerConfig struct {
	Rounds         int     `mapstructure:"rounds"`
	MaxConcurrency int     `mapstructure:"max_concurrency"`
	TargetAccuracy float64 `mapstructure:"target_accuracy"`
	Epochs         int     `mapstructure:"epochs"`
	BatchSize      int     `mapstructure:"batch_size"`
	Optimizer      string  `mapstructure:"optimizer"`
	LearningRate   float64 `mapstructure:"learning_rate"`
	Momentum       float64 `mapstructure:"momentum"`
	WeightDecay    float64 `mapstructure:"weight_decay"`
	Model          string  `mapstructure:"model_name"`
}

type AlgorithmConfig struct {
	Type      string  `mapstructure:"type"`
	Weighting string  `mapstructure:"weighting"`
	ServerLR  float64 `mapstructure:"server_lr"`
}

type ResultsConfig struct {
	Types      string `mapstructure:"types"`
	ResultPath string `mapstructure:"result_path"`
}

type DatabaseConfig struct {
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	DatabaseName string `mapstructure:"database_name"`
}

type AWSConfig struct {
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	CheckpointKey   string `mapstructure:"checkpoint_key"`
}

type MonitorConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	StallAfter    time.Duration `mapstructure:"stall_after"`
}

func (dc *DatabaseConfig) Enabled() bool {
	return dc.Host != "" && dc.DatabaseName != ""
}

func (dc *DatabaseConfig) GetConnectionURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dc.Username,
		dc.Password,
		dc.Host,
		dc.Port,
		dc.DatabaseName,
	)
}

func (ac *AWSConfig) Enabled() bool {
	return ac.BucketName != ""
}

// Quorum is the number of admitted updates that closes a window. Synchronous
// mode waits for every selected client.
func (c *Config) Quorum() int {
	if c.Server.Synchronous {
		return c.Clients.PerRound
	}
	return c.Server.MinimumClientsAggregated
}

// StalenessBound is zero in synchronous mode: only fresh updates count.
func (c *Config) StalenessBound() int {
	if c.Server.Synchronous {
		return 0
	}
	return c.Server.StalenessBound
}

func (c *Config) Validate() error {
	var errs []error

	if c.Clients.TotalClients <= 0 {
		errs = append(errs, fmt.Errorf("clients.total_clients must be positive"))
	}
	if c.Clients.PerRound <= 0 || c.Clients.PerRound > c.Clients.TotalClients {
		errs = append(errs, fmt.Errorf("clients.per_round must be in [1, %d]", c.Clients.TotalClients))
	}
	if q := c.Quorum(); q <= 0 || q > c.Clients.PerRound {
		errs = append(errs, fmt.Errorf("server.minimum_clients_aggregated must be in [1, clients.per_round], got %d", q))
	}
	if c.Server.StalenessBound < 0 {
		errs = append(errs, fmt.Errorf("server.staleness_bound must not be negative"))
	}
	if c.Server.WindowDeadline <= 0 {
		errs = append(errs, fmt.Errorf("server.window_deadline must be positive"))
	}
	if c.Clients.AvgTrainingTime < 0 {
		errs = append(errs, fmt.Errorf("clients.avg_training_time must not be negative"))
	}
	for _, id := range c.Clients.Attackers {
		if id < 1 || id > c.Clients.TotalClients {
			errs = append(errs, fmt.Errorf("attacker id %d outside [1, %d]", id, c.Clients.TotalClients))
		}
	}
	if c.Data.ModelDimension <= 0 {
		errs = append(errs, fmt.Errorf("data.model_dimension must be positive"))
	}
	if c.Trainer.Rounds <= 0 {
		errs = append(errs, fmt.Errorf("trainer.rounds must be positive"))
	}
	if c.Trainer.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("trainer.max_concurrency must be positive"))
	}
	if c.Algorithm.Weighting != "uniform" && c.Algorithm.Weighting != "samples" {
		errs = append(errs, fmt.Errorf("algorithm.weighting must be uniform or samples, got %q", c.Algorithm.Weighting))
	}

	return errors.Join(errs...)
}

type ConfigManager struct {
	config     *Config
	configPath string
	mutex      sync.RWMutex
}

var (
	instance *ConfigManager
	once     sync.Once
)

func GetConfigManager() *ConfigManager {
	once.Do(func() {
		instance = &ConfigManager{
			configPath: "config/config.yaml",
		}
	})
	return instance
}

func (cm *ConfigManager) SetConfigPath(path string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.configPath = path
	cm.config = nil
}

func (cm *ConfigManager) GetConfigPath() string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.configPath
}

func (cm *ConfigManager) GetConfig() (*Config, error) {
	cm.mutex.RLock()
	if cm.config != nil {
		defer cm.mutex.RUnlock()
		return cm.config, nil
	}
	cm.mutex.RUnlock()

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	var err error
	cm.config, err = LoadConfig(cm.configPath)
	return cm.config, err
}

func (cm *ConfigManager) ReloadConfig() (*Config, error) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	var err error
	cm.config, err = LoadConfig(cm.configPath)
	return cm.config, err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("clients.total_clients", 100)
	v.SetDefault("clients.per_round", 50)
	v.SetDefault("clients.simulate", true)
	v.SetDefault("clients.speed_simulation", true)
	v.SetDefault("clients.sleep_simulation", true)
	v.SetDefault("clients.simulation_distribution.distribution", "zipf")
	v.SetDefault("clients.simulation_distribution.s", 1.2)
	v.SetDefault("clients.avg_training_time", 1.0)
	v.SetDefault("clients.bandwidth_mbps", 0.0)
	v.SetDefault("clients.attack_type", "none")
	v.SetDefault("clients.attack_strength", 0.0)
	v.SetDefault("clients.attackers", []int{})
	v.SetDefault("clients.random_seed", 1)

	v.SetDefault("server.address", "127.0.0.1")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.endpoint", "/api/v1")
	v.SetDefault("server.synchronous", false)
	v.SetDefault("server.simulate_wall_time", false)
	v.SetDefault("server.minimum_clients_aggregated", 40)
	v.SetDefault("server.detector_type", "asyncfilter")
	v.SetDefault("server.staleness_bound", 2)
	v.SetDefault("server.window_deadline", 30*time.Second)
	v.SetDefault("server.do_test", true)
	v.SetDefault("server.max_aggregation_failures", 3)
	v.SetDefault("server.checkpoint_path", "checkpoints/global_model.json")
	v.SetDefault("server.checkpoint_interval", 1)
	v.SetDefault("server.model_path", "models/pretrained")

	v.SetDefault("filter.tolerance", 3.0)
	v.SetDefault("filter.margin", 0.5)

	v.SetDefault("data.datasource", "MNIST")
	v.SetDefault("data.data_path", "data")
	v.SetDefault("data.partition_size", 600)
	v.SetDefault("data.concentration", 0.5)
	v.SetDefault("data.model_dimension", 32)

	v.SetDefault("trainer.rounds", 20)
	v.SetDefault("trainer.max_concurrency", 10)
	v.SetDefault("trainer.target_accuracy", 0.0)
	v.SetDefault("trainer.epochs", 5)
	v.SetDefault("trainer.batch_size", 32)
	v.SetDefault("trainer.optimizer", "SGD")
	v.SetDefault("trainer.learning_rate", 0.5)
	v.SetDefault("trainer.momentum", 0.9)
	v.SetDefault("trainer.weight_decay", 0.0)
	v.SetDefault("trainer.model_name", "lenet5")

	v.SetDefault("algorithm.type", "fedavg")
	v.SetDefault("algorithm.weighting", "uniform")
	v.SetDefault("algorithm.server_lr", 1.0)

	v.SetDefault("results.types", "accuracy, elapsed_time, comm_time, round_time")
	v.SetDefault("results.result_path", "results")

	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.database_name", "")

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.bucket_name", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.checkpoint_key", "checkpoints/global_model.json")

	v.SetDefault("monitor.check_interval", 5*time.Second)
	v.SetDefault("monitor.stall_after", 60*time.Second)
}

// LoadConfig reads a YAML configuration file. Every key can be overridden
// through ASYNCFL_<SECTION>_<KEY> environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("ASYNCFL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
