// =============================================================================
// 📦 VoxFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Workers:   DefaultWorkersConfig(),
		Gateway:   DefaultGatewayConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultWorkersConfig 返回三类推理池的默认配置（默认不启用子进程）
func DefaultWorkersConfig() WorkersConfig {
	return WorkersConfig{
		STT:   DefaultWorkerPoolConfig(),
		TTS:   DefaultWorkerPoolConfig(),
		Agent: DefaultWorkerPoolConfig(),
	}
}

// DefaultWorkerPoolConfig 返回单个 Worker 池的默认配置
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Enabled:                false,
		WorkerCount:            1,
		StartupTimeout:         10 * time.Second,
		TaskTimeout:            30 * time.Second,
		PollInterval:           100 * time.Millisecond,
		HealthInterval:         5 * time.Second,
		HealthFailureThreshold: 3,
		MetricsTimeout:         5 * time.Second,
		ShutdownGrace:          5 * time.Second,
		FallbackTimeout:        30 * time.Second,
	}
}

// DefaultGatewayConfig 返回默认网关配置
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Path:               "/ws/realtime",
		HistoryCapacity:    100,
		MinFinalTextLength: 3,
		TTSChunkBytes:      4096,
		MaxInflightEvents:  4,
		IdleTimeout:        5 * time.Minute,
		InboundRPS:         50,
		InboundBurst:       100,
		ReadLimitBytes:     1 << 20, // 1 MB
		WriteTimeout:       5 * time.Second,
		DrainTimeout:       10 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		SessionTTL:   24 * time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置（默认不启用）
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "",
		Host:            "localhost",
		Port:            5432,
		User:            "voxflow",
		Password:        "",
		Name:            "voxflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "voxflow",
		SampleRate:   0.1,
	}
}
