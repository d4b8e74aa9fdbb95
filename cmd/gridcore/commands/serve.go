package commands

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gridcore/internal/config"
	"gridcore/internal/server"
)

const shutdownTimeout = 10 * time.Second

func loadConfig() (*config.AppConfig, config.LoadConfigInfo, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.LoadConfigWithInfo()
}

func serveCmd() *cobra.Command {
	var (
		port    int
		devMode bool
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("==========================================")
			fmt.Println("  GridCore - 多人协作表格服务")
			fmt.Println("==========================================")

			cfg, info, err := loadConfig()
			if err != nil {
				log.Printf("加载配置失败，使用默认配置: %v", err)
				cfg = config.DefaultConfig()
				info = config.LoadConfigInfo{}
			}

			// 命令行参数覆盖配置（配置文件或环境变量显式指定端口时优先）
			if port > 0 && !info.PortSpecified {
				cfg.Server.Port = port
			}
			if devMode {
				cfg.Server.DevMode = true
			}
			if dataDir != "" {
				cfg.Data.DataDir = dataDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := server.NewServer(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Printf("数据目录: %s\n", config.ResolveDataDir(cfg))

			errCh := make(chan error, 1)
			go func() {
				fmt.Printf("服务启动中，监听 %s ...\n", srv.Addr())
				errCh <- srv.Run()
			}()

			fmt.Println("\n按 Ctrl+C 停止服务...")

			select {
			case err := <-errCh:
				if err != nil {
					log.Printf("服务启动失败: %v", err)
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if closeErr := srv.Shutdown(shutdownCtx); closeErr != nil && err == nil {
					err = closeErr
				}
				return err
			case <-ctx.Done():
			}

			fmt.Println("\n正在关闭服务...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("关闭服务失败: %v", err)
				return err
			}
			return <-errCh
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "服务端口 (config.toml 或环境变量优先)")
	cmd.Flags().BoolVar(&devMode, "dev", false, "开发模式")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "数据目录 (覆盖配置文件)")
	return cmd
}

func checkConfigCmd() *cobra.Command {
	var write bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, info, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if info.Found {
				fmt.Fprintf(out, "# loaded from %s\n", info.Path)
			} else {
				fmt.Fprintf(out, "# %s not found, using defaults\n", info.Path)
			}
			fmt.Fprintf(out, "port = %d\ndev_mode = %t\ndata_dir = %s\ndefault_sheet = %s\nbuffer_size = %d\n",
				cfg.Server.Port, cfg.Server.DevMode, config.ResolveDataDir(cfg),
				cfg.Workbook.DefaultSheet, cfg.Events.BufferSize)

			if write {
				if err := config.SaveConfig(cfg, info.Path); err != nil {
					return fmt.Errorf("failed to write %s: %w", info.Path, err)
				}
				fmt.Fprintf(out, "# written to %s\n", info.Path)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&write, "write", false, "写入生效配置到配置文件")
	return cmd
}
