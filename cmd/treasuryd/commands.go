package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"TreasuryMind-Chain/internal/app"
	"TreasuryMind-Chain/internal/attest"
	"TreasuryMind-Chain/internal/config"
	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/pkg/logger"
)

const configEnv = "TREASURY_CONFIG"

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "treasuryd",
		Short:         "多智能体资金管理决策服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径（默认读取 $"+configEnv+"）")
	root.AddCommand(newRunCmd(), newCircuitsCmd(), newVerifyProofCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path == "" {
		if _, err := os.Stat(filepath.Join("configs", "treasury.yaml")); err == nil {
			path = filepath.Join("configs", "treasury.yaml")
		}
	}
	return config.Load(path)
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	})
}

func newRunCmd() *cobra.Command {
	var warmup bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "启动调度器、联邦协调器、审计器与 HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := initLogger(cfg); err != nil {
				return err
			}
			defer logger.Sync()

			if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if warmup {
				a.Warmup(ctx, cfg.Scheduler.StepTimeout)
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&warmup, "warmup", true, "启动时立即执行一次决策节拍")
	return cmd
}

func newCircuitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "circuits",
		Short: "列出已配置的证明电路",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			circuits, err := attest.LoadCircuits(cfg.Attestation.CircuitsFile)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCONSTRAINTS\tQUANTUM_RESISTANT\tGAS_OPTIMIZED")
			for _, c := range circuits {
				fmt.Fprintf(w, "%s\t%d\t%t\t%t\n", c.Name, c.Constraints, c.QuantumResistant, c.GasOptimized)
			}
			return w.Flush()
		},
	}
}

func newVerifyProofCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-proof <proof.json>",
		Short: "使用配置的签名密钥校验一份证明",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取证明文件失败: %w", err)
			}
			var proof attest.Proof
			if err := json.Unmarshal(raw, &proof); err != nil {
				return fmt.Errorf("解析证明文件失败: %w", err)
			}

			backend, err := attest.NewECDSABackend(cfg.Attestation.SigningKey)
			if err != nil {
				return err
			}
			circuits, err := attest.LoadCircuits(cfg.Attestation.CircuitsFile)
			if err != nil {
				return err
			}
			registry, err := attest.NewRegistry(backend, circuits...)
			if err != nil {
				return err
			}
			svc := attest.NewService(registry, backend)

			start := time.Now()
			valid := svc.VerifyProof(&proof)
			out := map[string]any{
				"valid":   valid,
				"circuit": proof.Circuit,
				"elapsed": time.Since(start).String(),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if !valid {
				return xerrors.New(xerrors.CodeVerificationFailure, "证明无效")
			}
			return nil
		},
	}
}
