package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Options 控制 LoadAndWatch 的可选行为
type Options struct {
	// Defaults 在配置文件缺省时生效，key 使用 viper 的点路径，例如 "broadcast.short_delay"
	Defaults map[string]interface{}
	// Paths 额外的搜索目录，默认 ./config 和 .
	Paths []string
	// OnChange 热更新成功后回调（在 viper 的 watcher 协程里执行）
	OnChange func()
}

// LoadAndWatch 读取 config/{service}.yaml 到 out，并监听文件变更热更新。
//
// 环境变量覆盖，例如 service=mdfeed：
//
//	MDFEED_REDIS_ADDR       覆盖 redis.addr
//	MDFEED_BROADCAST_SHORT_DELAY 覆盖 broadcast.short_delay
func LoadAndWatch(service string, out interface{}, opts Options) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	paths := opts.Paths
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	for k, val := range opts.Defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(service, "-", "_")))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)
		if err := v.Unmarshal(out); err != nil {
			log.Printf("[%s] reload config error: %v", service, err)
			return
		}
		log.Printf("[%s] config reloaded OK", service)
		if opts.OnChange != nil {
			opts.OnChange()
		}
	})

	return v, nil
}
