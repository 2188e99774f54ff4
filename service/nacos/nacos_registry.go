package nacos

import (
	"sync"

	"github.com/CodesWhat/concord-sub001/tools/errs"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

const (
	DefaultGroup   = "DEFAULT_GROUP"
	DefaultCluster = "DEFAULT"
)

// Instance 描述本网关节点；Metadata 里带 node_id / bus 等，供路由方选择节点
type Instance struct {
	Service  string
	IP       string
	Port     uint64
	Metadata map[string]string
}

// Registrar 注册/注销一个临时实例，Deregister 可重复调用
type Registrar struct {
	client naming_client.INamingClient
	inst   Instance
	group  string
	log    *zap.Logger

	mu         sync.Mutex
	registered bool
}

func NewRegistrar(client naming_client.INamingClient, inst Instance, log *zap.Logger) *Registrar {
	return &Registrar{client: client, inst: inst, group: DefaultGroup, log: log}
}

// Metadata 组装实例元数据
func Metadata(nodeID, bus, grpcAddr string) map[string]string {
	md := map[string]string{
		"protocol": "ws",
		"node_id":  nodeID,
		"bus":      bus,
	}
	if grpcAddr != "" {
		md["grpc"] = grpcAddr
	}
	return md
}

func (r *Registrar) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.inst.IP,
		Port:        r.inst.Port,
		ServiceName: r.inst.Service,
		GroupName:   r.group,
		ClusterName: DefaultCluster,
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.inst.Metadata,
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos register", "service", r.inst.Service)
	}
	if !ok {
		return errs.New("nacos register returned false", "service", r.inst.Service)
	}
	r.registered = true
	r.log.Info("registered to nacos",
		zap.String("service", r.inst.Service), zap.String("ip", r.inst.IP),
		zap.Uint64("port", r.inst.Port), zap.Any("metadata", r.inst.Metadata))
	return nil
}

func (r *Registrar) Deregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered {
		return nil
	}
	_, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.inst.IP,
		Port:        r.inst.Port,
		ServiceName: r.inst.Service,
		GroupName:   r.group,
		Cluster:     DefaultCluster,
		Ephemeral:   true,
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos deregister", "service", r.inst.Service)
	}
	r.registered = false
	r.log.Info("deregistered from nacos", zap.String("service", r.inst.Service))
	return nil
}

// Peers 返回同服务下健康的网关节点（含自己）
func (r *Registrar) Peers() ([]model.Instance, error) {
	list, err := r.client.SelectInstances(vo.SelectInstancesParam{
		ServiceName: r.inst.Service,
		GroupName:   r.group,
		HealthyOnly: true,
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "nacos select instances", "service", r.inst.Service)
	}
	return list, nil
}
