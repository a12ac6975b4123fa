package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the process logger. It is logrus' standard logger, so packages that
// log through logrus directly share its level and format.
var Log = logrus.StandardLogger()

func InitLogger(debug bool) {
	Log.Out = os.Stdout

	if debug {
		Log.SetLevel(logrus.DebugLevel)
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		Log.SetLevel(logrus.InfoLevel)
		Log.SetFormatter(&logrus.JSONFormatter{})
	}
}
