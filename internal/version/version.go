package version

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/settlement/internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build: сведения о сборке сервиса.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Current возвращает сведения о текущей сборке.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

// Fields возвращает сведения о сборке в виде полей для стартового лога.
func (b Build) Fields() logrus.Fields {
	return logrus.Fields{
		"version": b.Version,
		"commit":  b.Commit,
		"built":   b.Date,
	}
}

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}
