/*
   chat is a tcp chat server with a broadcast hub
   Copyright (C) 2019 Timothy Drysdale <timothy.d.drysdale@gmail.com>

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/practable/chat/pkg/logging"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "tcp chat server and client",
	Long: `chat relays text messages between every connected client.
Clients send length-prefixed JSON frames over tcp (or websocket),
and each message is broadcast to everyone except its sender.

Every flag can also be set in the environment, for example:

export CHAT_LOG_LEVEL=debug
export CHAT_PORT=9000
chat serve
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "trace, debug, info, warn, error, fatal or panic")
	rootCmd.PersistentFlags().String("log-format", "text", "json or text")
	rootCmd.PersistentFlags().String("log-file", "stdout", "stdout, stderr, or a file path (reopened on SIGHUP)")
	rootCmd.PersistentFlags().Int("log-max-size", 0, "rotate the log file at this many megabytes, 0 to leave rotation to logrotate")
	rootCmd.PersistentFlags().Int("log-max-backups", 3, "rotated log files to keep")
	rootCmd.PersistentFlags().Int("log-max-age", 28, "days to keep rotated log files")

	for _, name := range []string{"log-level", "log-format", "log-file", "log-max-size", "log-max-backups", "log-max-age"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig reads the config file if given, then ENV variables e.g. export CHAT_LOG_LEVEL=debug
func initConfig() {

	viper.SetEnvPrefix("CHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		return
	}

	viper.SetConfigFile(cfgFile)

	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("cannot read config file " + cfgFile + ": " + err.Error())
		os.Exit(1)
	}
}

// setupLogging applies the log flags to the standard logger
func setupLogging() (logging.Output, error) {

	return logging.Configure(log.StandardLogger(), logging.Config{
		Level:      viper.GetString("log-level"),
		Format:     viper.GetString("log-format"),
		File:       viper.GetString("log-file"),
		MaxSizeMB:  viper.GetInt("log-max-size"),
		MaxBackups: viper.GetInt("log-max-backups"),
		MaxAgeDays: viper.GetInt("log-max-age"),
	})
}
