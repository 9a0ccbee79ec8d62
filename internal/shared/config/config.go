package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"linkguard/internal/shared/types"
)

// LoadIni 加载 linkguard.ini 并叠加环境变量覆盖。
// cfg 中已有的值（通常来自 types.Default）在 ini 缺少对应键时保持不变。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	applyEnvOverrides(cfg)
	return nil
}

// ResolveDataPaths 将存储文件的相对路径解析到配置目录下。
func ResolveDataPaths(cfg *types.Config, configDir string) {
	cfg.StorageConf.ProxiesFile = resolve(configDir, cfg.StorageConf.ProxiesFile)
	cfg.StorageConf.BlacklistFile = resolve(configDir, cfg.StorageConf.BlacklistFile)
}

// SplitList splits a comma separated ini value, dropping blanks.
func SplitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func applyEnvOverrides(cfg *types.Config) {
	overrideFromEnvInt(&cfg.ServerConf.WebPort, "LINKGUARD_WEB_PORT")
	overrideFromEnvString(&cfg.ServerConf.WebUser, "LINKGUARD_WEB_USER")
	overrideFromEnvString(&cfg.ServerConf.WebPassword, "LINKGUARD_WEB_PASSWORD")
	overrideFromEnvString(&cfg.LogConf.Level, "LINKGUARD_LOG_LEVEL")
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue, ok := os.LookupEnv(envName); ok {
		*target = envValue
	}
}
