package util

import (
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/golang/glog"
)

type Configuration interface {
	GetString(key string) string
	GetBool(key string) bool
	GetInt(key string) int
	GetInt64(key string) int64
	GetStringSlice(key string) []string
	SetDefault(key string, value interface{})
}

// LoadConfiguration merges <configFileName>.toml from the usual search
// paths into the global viper instance.
func LoadConfiguration(configFileName string, required bool) (loaded bool) {

	viper.SetConfigName(configFileName)
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.fleetkv")
	viper.AddConfigPath("/usr/local/etc/fleetkv/")
	viper.AddConfigPath("/etc/fleetkv/")

	if err := viper.MergeInConfig(); err != nil {
		if strings.Contains(err.Error(), "Not Found") {
			glog.V(1).Infof("Reading %s: %v", viper.ConfigFileUsed(), err)
		} else {
			glog.Fatalf("Reading %s: %v", viper.ConfigFileUsed(), err)
		}
		if required {
			glog.Fatalf("Failed to load %s.toml from the current directory, $HOME/.fleetkv/, /usr/local/etc/fleetkv/, or /etc/fleetkv/", configFileName)
		} else {
			return false
		}
	}
	glog.V(1).Infof("Reading %s.toml from %s", configFileName, viper.ConfigFileUsed())

	return true
}

type ViperProxy struct {
	*viper.Viper
	sync.Mutex
}

var (
	vp = &ViperProxy{}
)

func (vp *ViperProxy) SetDefault(key string, value interface{}) {
	vp.Lock()
	defer vp.Unlock()
	vp.Viper.SetDefault(key, value)
}

func (vp *ViperProxy) GetString(key string) string {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetString(key)
}

func (vp *ViperProxy) GetBool(key string) bool {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetBool(key)
}

func (vp *ViperProxy) GetInt(key string) int {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetInt(key)
}

func (vp *ViperProxy) GetInt64(key string) int64 {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetInt64(key)
}

func (vp *ViperProxy) GetStringSlice(key string) []string {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetStringSlice(key)
}

func GetViper() *ViperProxy {
	vp.Lock()
	defer vp.Unlock()

	if vp.Viper == nil {
		vp.Viper = viper.GetViper()
		vp.AutomaticEnv()
		vp.SetEnvPrefix("fleet")
		vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	}

	return vp
}
