package env

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv loads .env files into the process environment. Variables that are
// already set win, so DISKTRODROP_* values can live in either place.
func LoadEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "LoadEnv",
		}).Debug("No .env file found, using system envs")
	}
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}
