package utils

import (
	"strconv"
	"strings"
)

/*
 * ============================================================================
 * 配置值读取
 * ============================================================================
 *
 * 客户端配置项的统一读取口：环境变量和 .env 文件，带默认值。
 */

// GetConfigValue 获取配置值（字符串）
func GetConfigValue(key string, defaultValue string) string {
	return GetEnvWithDefault(key, defaultValue)
}

// GetConfigInt 获取配置值（整数）
func GetConfigInt(key string, defaultValue int) int {
	return int(GetIntEnvWithDefault(key, int64(defaultValue)))
}

// GetConfigBool 获取配置值（布尔）
func GetConfigBool(key string, defaultValue bool) bool {
	return GetBoolEnvWithDefault(key, defaultValue)
}

// GetConfigFloat 获取配置值（浮点数）
func GetConfigFloat(key string, defaultValue float64) float64 {
	return GetFloatEnvWithDefault(key, defaultValue)
}

// ParseConfigInt 解析配置字符串为整数
func ParseConfigInt(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}

	val, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return int(val)
}

// ParseConfigBool 解析配置字符串为布尔值
func ParseConfigBool(value string, defaultValue bool) bool {
	if value == "" {
		return defaultValue
	}

	val, err := strconv.ParseBool(strings.ToLower(value))
	if err != nil {
		return defaultValue
	}
	return val
}
