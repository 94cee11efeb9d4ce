package archlog

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
)

func SetupLogLevels() {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); set {
		return
	}
	_ = logging.SetLogLevel("*", "INFO")
	_ = logging.SetLogLevel("swarm2", "WARN")
	_ = logging.SetLogLevel("connmgr", "WARN")
	_ = logging.SetLogLevel("net/identify", "ERROR")
}
