package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log 全局日志实例，未调用 Init 前也可直接使用
var Log = logrus.New()

// Init 初始化结构化日志，format 为 text 时输出可读格式（开发环境）
func Init(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Log.SetLevel(lvl)
	Log.SetOutput(os.Stdout)

	if format == "text" {
		Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return
	}
	Log.SetFormatter(&logrus.JSONFormatter{})
}

// Component 返回带组件名的日志入口
func Component(name string) *logrus.Entry {
	return Log.WithField("component", name)
}
