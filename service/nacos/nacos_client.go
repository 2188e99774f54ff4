package nacos

import (
	"net"
	"strconv"
	"strings"

	"github.com/CodesWhat/concord-sub001/tools/errs"
	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

type Config struct {
	Addrs     []string // host:port，多个逗号分隔也可
	Namespace string
	Username  string
	Password  string
	CacheDir  string
	LogDir    string
	LogLevel  string
	TimeoutMs uint64
}

// serverConfigs 解析 host:port 列表，缺省端口 8848
func serverConfigs(addrs []string) ([]constant.ServerConfig, error) {
	var out []constant.ServerConfig
	for _, raw := range addrs {
		for _, a := range strings.Split(raw, ",") {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			host, portStr, err := net.SplitHostPort(a)
			if err != nil {
				host, portStr = a, "8848"
			}
			port, err := strconv.ParseUint(portStr, 10, 64)
			if err != nil || host == "" {
				return nil, errs.ErrArgs.WrapMsg("bad nacos address", "addr", a)
			}
			out = append(out, *constant.NewServerConfig(host, port))
		}
	}
	if len(out) == 0 {
		return nil, errs.ErrArgs.WrapMsg("nacos address missing")
	}
	return out, nil
}

func clientConfig(c Config) *constant.ClientConfig {
	timeout := c.TimeoutMs
	if timeout == 0 {
		timeout = 5000
	}
	level := c.LogLevel
	if level == "" {
		level = "warn"
	}
	opts := []constant.ClientOption{
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(timeout),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel(level),
		constant.WithCacheDir(orDefault(c.CacheDir, "nacos/cache")),
		constant.WithLogDir(orDefault(c.LogDir, "nacos/log")),
	}
	if c.Username != "" {
		opts = append(opts, constant.WithUsername(c.Username), constant.WithPassword(c.Password))
	}
	return constant.NewClientConfig(opts...)
}

func NewNamingClient(c Config) (naming_client.INamingClient, error) {
	servers, err := serverConfigs(c.Addrs)
	if err != nil {
		return nil, err
	}
	cli, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  clientConfig(c),
		ServerConfigs: servers,
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos naming client")
	}
	return cli, nil
}

func NewConfigClient(c Config) (config_client.IConfigClient, error) {
	servers, err := serverConfigs(c.Addrs)
	if err != nil {
		return nil, err
	}
	cli, err := clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  clientConfig(c),
		ServerConfigs: servers,
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos config client")
	}
	return cli, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
