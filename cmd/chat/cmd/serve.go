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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/practable/chat/pkg/logging"
	"github.com/practable/chat/pkg/server"
	"github.com/practable/chat/pkg/tcpconnect"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the chat server",
	Long: `Serve chat clients over tcp until interrupted. Set parameters with
flags or environment variables, for example:

export CHAT_ADDRESS=0.0.0.0
export CHAT_PORT=8080
export CHAT_MAX_FRAME_BYTES=65536
export CHAT_IDLE_TIMEOUT=10m
export CHAT_WS_LISTEN=127.0.0.1:8081
export CHAT_STATUS_LISTEN=127.0.0.1:6061
chat serve

Notes:
CHAT_ADDRESS may include a port, which then takes precedence over CHAT_PORT
The server exits with status 1 if any address cannot be bound
`,
	Run: func(cmd *cobra.Command, args []string) {

		out, err := setupLogging()
		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}
		defer out.Close()

		config := server.Config{
			Address:        server.JoinAddress(viper.GetString("address"), viper.GetInt("port")),
			MaxFrameBytes:  viper.GetInt("max-frame-bytes"),
			ReadBuffer:     viper.GetInt("read-buffer"),
			EventBuffer:    viper.GetInt("event-buffer"),
			SendBuffer:     viper.GetInt("send-buffer"),
			WriteTimeout:   viper.GetDuration("write-timeout"),
			IdleTimeout:    viper.GetDuration("idle-timeout"),
			MaxConnections: viper.GetInt("max-connections"),
			WSListen:       viper.GetString("ws-listen"),
			StatusListen:   viper.GetString("status-listen"),
		}

		if err := config.Validate(); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		// Report useful info
		log.Infof("chat version: %s", versionString())
		log.Infof("Address: [%s]", config.Address)
		log.Infof("Max frame bytes: [%d]", config.MaxFrameBytes)
		log.Infof("Read buffer: [%d]", config.ReadBuffer)
		log.Infof("Event buffer: [%d]", config.EventBuffer)
		log.Infof("Send buffer: [%d]", config.SendBuffer)
		log.Infof("Write timeout: [%s]", config.WriteTimeout)
		log.Infof("Idle timeout: [%s]", config.IdleTimeout)
		log.Infof("Max connections: [%d]", config.MaxConnections)
		log.Infof("Websocket listen: [%s]", config.WSListen)
		log.Infof("Status listen: [%s]", config.StatusListen)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		go logging.ReopenOnHUP(ctx, out, log.WithField("component", "logging"))

		err = server.Run(ctx, config, log.NewEntry(log.StandardLogger()))

		var be *tcpconnect.BindError
		if errors.As(err, &be) {
			fmt.Println(be.Error())
			os.Exit(1)
		}

		if err != nil {
			log.WithField("error", err.Error()).Error("server stopped")
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("address", server.DefaultHost, "host or host:port for tcp clients")
	f.Int("port", server.DefaultPort, "port for tcp clients, if address has none")
	f.Int("max-frame-bytes", 65536, "largest message payload a client may send")
	f.Int("read-buffer", tcpconnect.DefaultReadBuffer, "bytes read from a socket at a time")
	f.Int("event-buffer", 256, "events queued for the hub before handlers wait")
	f.Int("send-buffer", tcpconnect.DefaultSendBuffer, "frames queued for a client before it is dropped")
	f.Duration("write-timeout", tcpconnect.DefaultWriteTimeout, "time allowed to write one frame to a client")
	f.Duration("idle-timeout", 0, "close clients silent for this long, 0 to never")
	f.Int("max-connections", 0, "most clients at once, 0 for no limit")
	f.String("ws-listen", "", "host:port for the websocket gateway, empty to disable")
	f.String("status-listen", "", "host:port for /healthz, /metrics and /api/v1/stats, empty to disable")

	f.VisitAll(func(fl *pflag.Flag) {
		viper.BindPFlag(fl.Name, fl)
	})
}
