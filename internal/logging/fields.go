package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ConnFields 提供连接 ID 与对端地址字段，供连接生命周期日志复用。
func ConnFields(action, connID, remote string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"conn_id": connID,
		"remote":  remote,
	}
}

// StoreFields 提供缓存文件路径与规模字段。
func StoreFields(action, path string, entries int, bytes int64) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"path":    path,
		"entries": entries,
		"bytes":   bytes,
	}
}
