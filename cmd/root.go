// ABOUTME: Root command for the fdrs CLI
// ABOUTME: Handles global flags, config loading, and vCenter credentials

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/fsolen/vsphere-fdrs/config"
	"github.com/fsolen/vsphere-fdrs/logger"
)

var (
	configPath string
	logLevel   string

	vcenterHost string
	vcenterUser string
	vcenterPass string
	datacenter  string
	insecure    bool
)

// rootCmd is the base command
var rootCmd = &cobra.Command{
	Use:   "fdrs",
	Short: "Distributed resource scheduler for vSphere clusters",
	Long: `fdrs rebalances VMs across ESXi hosts: it spreads anti-affinity groups
and evens out CPU, memory, disk I/O, and network load via vMotion.

Environment Variables:
  VSPHERE_HOST        vCenter hostname or URL
  VSPHERE_USERNAME    vCenter username
  VSPHERE_PASSWORD    vCenter password
  VSPHERE_DATACENTER  Datacenter name
  VSPHERE_INSECURE    Skip TLS verification (default: false)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(logLevel)
	},
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: fdrs.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")

	rootCmd.PersistentFlags().StringVar(&vcenterHost, "vcenter", "", "vCenter hostname (overrides VSPHERE_HOST)")
	rootCmd.PersistentFlags().StringVar(&vcenterUser, "username", "", "vCenter username (overrides VSPHERE_USERNAME)")
	rootCmd.PersistentFlags().StringVar(&vcenterPass, "password", "", "vCenter password (overrides VSPHERE_PASSWORD)")
	rootCmd.PersistentFlags().StringVar(&datacenter, "datacenter", "", "Datacenter name (overrides VSPHERE_DATACENTER)")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS verification (overrides VSPHERE_INSECURE)")
}

// loadConfig layers flag values over file and environment configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if vcenterHost != "" {
		cfg.VSphereHost = vcenterHost
	}
	if vcenterUser != "" {
		cfg.VSphereUsername = vcenterUser
	}
	if vcenterPass != "" {
		cfg.VSpherePassword = vcenterPass
	}
	if datacenter != "" {
		cfg.VSphereDatacenter = datacenter
	}
	if insecure {
		cfg.VSphereInsecure = true
	}
	return cfg, nil
}
