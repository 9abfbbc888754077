package coremain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/appejv/querycache/mlog"
)

var svcCfg = &service.Config{
	Name:        "querycache",
	DisplayName: "querycache",
	Description: "Offline aware query cache for a REST backend.",
}

// serverService runs the App under the system service manager.
type serverService struct {
	f    *serverFlags
	app  *App
	done chan error
}

func (ws *serverService) Start(s service.Service) error {
	app, err := newServerApp(ws.f)
	if err != nil {
		return err
	}
	ws.app = app
	ws.done = make(chan error, 1)
	go func() {
		ws.done <- app.Serve(context.Background())
	}()
	return nil
}

func (ws *serverService) Stop(s service.Service) error {
	if ws.app == nil {
		return nil
	}
	ws.app.Close()
	return <-ws.done
}

var svc service.Service

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

// svcArgs returns the arguments the service manager starts us with. The
// working dir is made absolute because services start in "/".
func svcArgs(sf *serverFlags) ([]string, error) {
	dir := sf.dir
	if len(dir) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory, %w", err)
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path of working dir, %w", err)
	}

	args := []string{"serve", "--as-service", "-d", dir}
	if len(sf.c) > 0 {
		args = append(args, "-c", sf.c)
	}
	return args, nil
}

func statusString(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func newSvcInstallCmd(sf *serverFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install querycache as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := svcArgs(sf)
			if err != nil {
				return err
			}
			svcCfg.Arguments = a
			if err := svc.Install(); err != nil {
				return err
			}
			mlog.L().Info("service installed", zap.Strings("args", a))
			return nil
		},
		SilenceUsage: true,
	}
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall querycache from system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start querycache system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.Start(); err != nil {
				return err
			}

			time.Sleep(time.Second)
			s, err := svc.Status()
			if err != nil {
				mlog.L().Warn("cannot get service status", zap.Error(err))
				return nil
			}
			if s != service.StatusRunning {
				return fmt.Errorf("service is %s after start, check the logs", statusString(s))
			}
			mlog.L().Info("service is running")
			return nil
		},
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop querycache system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop()
		},
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart querycache system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Restart()
		},
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show querycache system service status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusString(s))
			return nil
		},
		SilenceUsage: true,
	}
}
