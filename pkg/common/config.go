package common

import (
	"fmt"
	"net/http"
	"os"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promlog"
	promlogflag "github.com/prometheus/common/promlog/flag"
	"gopkg.in/yaml.v2"
)

type AppConfig struct {
	LogConfig      promlog.Config `yaml:"log,omitempty"`
	HttpListenAddr string         `yaml:"http_listen_addr,omitempty"`
	ConfigPath     string         `yaml:"config_path,omitempty"`
}

func AddFlags(a *kingpin.Application, cfg *AppConfig) {
	a.HelpFlag.Short('h')
	a.Flag("web.listen-address", "Address to listen on for telemetry.").
		Default("0.0.0.0:8080").StringVar(&cfg.HttpListenAddr)
	a.Flag("config.path", "Path to the auto-scaler configuration file").
		Default("conf.yaml").StringVar(&cfg.ConfigPath)
	promlogflag.AddFlags(a, &cfg.LogConfig)
}

func (cfg *AppConfig) ParseConfigFile(config interface{}) error {
	logger := cfg.GetLogger()
	level.Info(logger).Log("msg", fmt.Sprintf("Parsing the configuration file (--config.path=%s)", cfg.ConfigPath))
	configData, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read the configuration file (--config.path=%s)", cfg.ConfigPath)
	}
	return errors.Wrapf(yaml.UnmarshalStrict(configData, config), "failed to parse the configuration file (--config.path=%s)", cfg.ConfigPath)
}

func (cfg *AppConfig) GetLogger() log.Logger {
	return promlog.New(&cfg.LogConfig)
}

// StartHttpServer serves /metrics and /ready in the background
func (cfg *AppConfig) StartHttpServer(logger log.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ready", BasicHealthCheck)
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(cfg.HttpListenAddr, mux); err != nil {
			level.Error(logger).Log("msg", "HTTP server stopped", "err", err)
		}
	}()
}

func BasicHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(200)
}
