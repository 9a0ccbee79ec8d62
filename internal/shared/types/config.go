package types

import "time"

// ServerConf 包含 HTTP 服务相关的配置
type ServerConf struct {
	WebPort        int    `ini:"web_port"`
	WebUser        string `ini:"web_user"`
	WebPassword    string `ini:"web_password"`
	AllowedOrigins string `ini:"allowed_origins"` // comma separated, "*" allows all
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// StorageConf 指定持久化文件的位置，相对路径基于配置目录解析
type StorageConf struct {
	ProxiesFile   string `ini:"proxies_file"`
	BlacklistFile string `ini:"blacklist_file"`
}

// TesterConf 对应代理批量测试的行为
type TesterConf struct {
	MaxConcurrency          int     `ini:"max_concurrency"`
	TimeoutMs               int     `ini:"timeout_ms"`
	AutoRemove              bool    `ini:"auto_remove"`
	RemovalFailureThreshold int     `ini:"removal_failure_threshold"`
	ProbeTarget             string  `ini:"probe_target"`
	ProbesPerSecond         float64 `ini:"probes_per_second"` // 0 = unlimited
	TestIntervalSeconds     int     `ini:"test_interval_seconds"`
	FlushIntervalSeconds    int     `ini:"flush_interval_seconds"`
}

// HealthConf 调整健康评分的阈值
type HealthConf struct {
	SlowThresholdMs int `ini:"slow_threshold_ms"`
	StaleAfterHours int `ini:"stale_after_hours"`
}

// PreviewConf 对应链接预览抓取
type PreviewConf struct {
	TimeoutMs       int    `ini:"timeout_ms"`
	CacheTTLSeconds int    `ini:"cache_ttl_seconds"`
	MaxBodyBytes    int64  `ini:"max_body_bytes"`
	UserAgent       string `ini:"user_agent"`
	DirectFallback  bool   `ini:"direct_fallback"`
}

// ClassifierConf 对应 URL 分类器
type ClassifierConf struct {
	TLSCheck           bool `ini:"tls_check"`
	TLSTimeoutMs       int  `ini:"tls_timeout_ms"`
	ResultCacheSeconds int  `ini:"result_cache_seconds"`
}

// ScraperConf lists remote proxy-list pages imported on a schedule.
type ScraperConf struct {
	Sources             string `ini:"sources"` // comma separated URLs
	ScrapeIntervalHours int    `ini:"scrape_interval_hours"`
}

// Config 是 linkguard 的统一配置结构体
type Config struct {
	ServerConf     `ini:"server"`
	LogConf        `ini:"log"`
	StorageConf    `ini:"storage"`
	TesterConf     `ini:"tester"`
	HealthConf     `ini:"health"`
	PreviewConf    `ini:"preview"`
	ClassifierConf `ini:"classifier"`
	ScraperConf    `ini:"scraper"`
}

// Default returns a Config populated with the documented defaults. LoadIni maps
// the ini file on top of it, so absent keys keep these values.
func Default() *Config {
	return &Config{
		ServerConf: ServerConf{
			WebPort:        8088,
			AllowedOrigins: "*",
		},
		LogConf: LogConf{Level: "info"},
		StorageConf: StorageConf{
			ProxiesFile:   "proxies.json",
			BlacklistFile: "blacklist.json",
		},
		TesterConf: TesterConf{
			MaxConcurrency:          5,
			TimeoutMs:               10000,
			AutoRemove:              true,
			RemovalFailureThreshold: 3,
			ProbeTarget:             "https://www.gstatic.com/generate_204",
			TestIntervalSeconds:     300,
			FlushIntervalSeconds:    60,
		},
		HealthConf: HealthConf{
			SlowThresholdMs: 3000,
			StaleAfterHours: 24,
		},
		PreviewConf: PreviewConf{
			TimeoutMs:       8000,
			CacheTTLSeconds: 3600,
			MaxBodyBytes:    2 << 20,
			UserAgent:       "linkguard-preview/1.0",
		},
		ClassifierConf: ClassifierConf{
			TLSCheck:           true,
			TLSTimeoutMs:       5000,
			ResultCacheSeconds: 60,
		},
	}
}

func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
