package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Nats     NatsConfig     `mapstructure:"nats"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

type ServerConfig struct {
	HTTPAddress    string `mapstructure:"http_address"`
	RPCAddress     string `mapstructure:"rpc_address"`
	MetricsAddress string `mapstructure:"metrics_address"`
}

type DatabaseConfig struct {
	// Driver 选择数据库驱动: "gorm" 或 "raw"
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

type NatsConfig struct {
	// URL 为空时不启用跨节点广播
	URL string `mapstructure:"url"`
}

// SyncConfig 状态同步调优参数
type SyncConfig struct {
	BatchWindowMS      int     `mapstructure:"batch_window_ms"`
	PendingCap         int     `mapstructure:"pending_cap"`
	PendingCutoffSec   int     `mapstructure:"pending_cutoff_sec"`
	ReconcileMS        int     `mapstructure:"reconcile_ms"`
	WarnThreshold      int     `mapstructure:"warn_threshold"`
	KeyframeInterval   int     `mapstructure:"keyframe_interval"`
	SnapshotIntervalMS int     `mapstructure:"snapshot_interval_ms"`
	MoveRatePerSec     float64 `mapstructure:"move_rate_per_sec"`
	MoveBurst          int     `mapstructure:"move_burst"`
}

func LoadConfig(path string) (config *Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		// 没有 config.yaml 时按默认值运行, 文件存在但解析失败照常报错
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	return
}

func setDefaults() {
	viper.SetDefault("server.http_address", ":8080")
	viper.SetDefault("server.rpc_address", ":9091")
	viper.SetDefault("server.metrics_address", ":9090")
	viper.SetDefault("database.driver", "gorm")
	viper.SetDefault("database.postgres.host", "localhost")
	viper.SetDefault("database.postgres.port", 5432)
	viper.SetDefault("database.postgres.user", "postgres")
	viper.SetDefault("database.postgres.password", "postgres")
	viper.SetDefault("database.postgres.dbname", "gamesync")
	viper.SetDefault("sync.batch_window_ms", 16)
	viper.SetDefault("sync.pending_cap", 128)
	viper.SetDefault("sync.pending_cutoff_sec", 30)
	viper.SetDefault("sync.reconcile_ms", 1000)
	viper.SetDefault("sync.warn_threshold", 32)
	viper.SetDefault("sync.keyframe_interval", 16)
	viper.SetDefault("sync.snapshot_interval_ms", 30000)
	viper.SetDefault("sync.move_rate_per_sec", 30)
	viper.SetDefault("sync.move_burst", 60)
}
