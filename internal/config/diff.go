package config

import (
	"reflect"
	"strings"

	logx "pushgate/pkg/logx"
)

// Change summarizes a reload. Only logging and alert apply live; every other
// section takes effect on the next restart.
type Change struct {
	Sections        []string
	RestartRequired []string
	// Fields are safe to log: secrets are reported as set/unset only.
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	section := func(name string, changed, live bool, fields ...logx.Field) {
		if !changed {
			return
		}
		c.Sections = append(c.Sections, name)
		if !live {
			c.RestartRequired = append(c.RestartRequired, name)
		}
		c.Fields = append(c.Fields, fields...)
	}

	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging), true,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
	)
	section("alert", !reflect.DeepEqual(oldCfg.Alert, newCfg.Alert), true,
		logx.Bool("alert.enabled", newCfg.Alert.Enabled),
		logx.Bool("alert.token_set", strings.TrimSpace(newCfg.Alert.Token) != ""),
		logx.String("alert.min_level", newCfg.Alert.MinLevel),
	)
	section("apns", !reflect.DeepEqual(oldCfg.APNs, newCfg.APNs), false,
		logx.Bool("apns.production", newCfg.APNs.Production),
		logx.String("apns.cert_file", newCfg.APNs.CertFile),
	)
	section("engine", !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine), false)
	section("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage), false,
		logx.String("storage.driver", StorageDriver(newCfg.Storage.Driver)),
	)
	section("admin", !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin), false,
		logx.String("admin.addr", newCfg.Admin.Addr),
	)
	return c
}
