package config

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{"key": key, "value": v}).
			Warnf("invalid integer, using default %d", fallback)
		return fallback
	}
	return n
}

func getEnvAsFloat64(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logrus.WithFields(logrus.Fields{"key": key, "value": v}).
			Warnf("invalid float, using default %f", fallback)
		return fallback
	}
	return f
}
