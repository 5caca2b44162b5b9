// Package config 环境变量读取。KEY 为空时会尝试 KEY_FILE 指向的文件，
// 便于以挂载 secret 的方式注入数据库密码与对象存储凭据。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const fileSuffix = "_FILE"

// GetEnv 读取字符串，空白视为未设置
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	if path := strings.TrimSpace(os.Getenv(key + fileSuffix)); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if value := strings.TrimSpace(string(data)); value != "" {
				return value
			}
		}
	}
	return defaultValue
}

// parsed 读取并解析，解析失败回落默认值
func parsed[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	value := GetEnv(key, "")
	if value == "" {
		return defaultValue
	}
	v, err := parse(value)
	if err != nil {
		return defaultValue
	}
	return v
}

func GetEnvInt(key string, defaultValue int) int {
	return parsed(key, defaultValue, strconv.Atoi)
}

// GetEnvInt64 同时接受 10MiB / 512KiB / 2GB 这类大小写法
func GetEnvInt64(key string, defaultValue int64) int64 {
	return parsed(key, defaultValue, ParseByteSize)
}

func GetEnvBool(key string, defaultValue bool) bool {
	return parsed(key, defaultValue, strconv.ParseBool)
}

func GetEnvFloat64(key string, defaultValue float64) float64 {
	return parsed(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return parsed(key, defaultValue, time.ParseDuration)
}

// GetEnvSlice 逗号分隔，忽略空项；全部为空时用默认值
func GetEnvSlice(key string, defaultValue []string) []string {
	var out []string
	for _, part := range strings.Split(GetEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

type byteSizeError string

func (e byteSizeError) Error() string { return "invalid byte size " + strconv.Quote(string(e)) }

var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"GB", 1e9},
	{"MB", 1e6},
	{"KB", 1e3},
	{"B", 1},
}

// ParseByteSize 解析纯数字或带单位的大小
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, byteSizeError(s)
	}
	return n * mult, nil
}
