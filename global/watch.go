package global

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var watchMu sync.Mutex

// WatchConfig reloads path whenever it changes on disk and hands every
// valid result to onChange. Invalid edits are reported through onError and
// otherwise ignored. Only settings read on use (e.g. log level) take effect.
func WatchConfig(path string, onChange func(*AppConfig), onError func(error)) {
	if path == "" {
		return
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.OnConfigChange(func(fsnotify.Event) {
		watchMu.Lock()
		defer watchMu.Unlock()
		cfg, err := LoadConfig(path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}
