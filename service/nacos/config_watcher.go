package nacos

import (
	"context"

	"github.com/CodesWhat/concord-sub001/tools/errs"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// Watch 先同步拉取一次配置，再监听变更，ctx 结束时取消监听。
// onChange 在 SDK 的回调协程里执行。
func Watch(ctx context.Context, cli config_client.IConfigClient, dataID, group string, onChange func(string)) error {
	if group == "" {
		group = DefaultGroup
	}
	content, err := cli.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err != nil {
		return errs.WrapMsg(err, "nacos get config", "data_id", dataID)
	}
	if content != "" {
		onChange(content)
	}

	param := vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(_, _, _, data string) {
			onChange(data)
		},
	}
	if err := cli.ListenConfig(param); err != nil {
		return errs.WrapMsg(err, "nacos listen config", "data_id", dataID)
	}
	go func() {
		<-ctx.Done()
		_ = cli.CancelListenConfig(vo.ConfigParam{DataId: dataID, Group: group})
	}()
	return nil
}
