package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/appejv/querycache/coremain"
	"github.com/appejv/querycache/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Error("exited", zap.Error(err))
		os.Exit(1)
	}
}
