package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/draftpilot/draftpilot/cmd/draftpilot/servecmd"
	"github.com/draftpilot/draftpilot/cmd/draftpilot/watchcmd"
)

func main() {
	root := &cobra.Command{
		Use:           "draftpilot",
		Short:         "AI reply suggestions for watched Slack conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (default: ./draftpilot.yaml, ~/.draftpilot/draftpilot.yaml)")

	cobra.OnInitialize(func() {
		initConfig(root)
	})

	root.AddCommand(servecmd.New())
	root.AddCommand(watchcmd.New())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig(root *cobra.Command) {
	if cfgFile, _ := root.PersistentFlags().GetString("config"); strings.TrimSpace(cfgFile) != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("draftpilot")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.draftpilot")
		}
	}

	viper.SetEnvPrefix("DRAFTPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("llm.model", "")
	viper.SetDefault("llm.request_timeout", 60*time.Second)
	viper.SetDefault("serve.max_concurrency", 4)
	viper.SetDefault("serve.listen", "127.0.0.1:8710")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Fprintln(os.Stderr, "warning: read config:", err)
		}
	}
}
