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
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/practable/chat/pkg/client"
	"github.com/practable/chat/pkg/server"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "chat from the terminal",
	Long: `Connect to a chat server, send each line typed on stdin as a
message, and print messages from everyone else as

[15:04:05] author: body

The client reconnects if the server goes away. End input (Ctrl-D) to quit.

export CHAT_SERVER=127.0.0.1:8080
chat client --author alice
`,
	Run: func(cmd *cobra.Command, args []string) {

		out, err := setupLogging()
		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}
		defer out.Close()

		author := viper.GetString("author")
		if author == "" {
			fmt.Println("an author name is required, use --author or CHAT_AUTHOR")
			os.Exit(1)
		}

		addr := server.JoinAddress(viper.GetString("server"), server.DefaultPort)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := client.New(author)

		go c.Reconnect(ctx, addr)

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case m := <-c.Receive:
					fmt.Println(client.Format(m))
				}
			}
		}()

		scanner := bufio.NewScanner(os.Stdin)

		for scanner.Scan() {

			body := strings.TrimSpace(scanner.Text())
			if body == "" {
				continue
			}

			sendCtx, sendCancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Send(sendCtx, body)
			sendCancel()

			if err != nil {
				fmt.Fprintln(os.Stderr, "not sent: "+err.Error())
				log.WithField("error", err.Error()).Debug("send failed")
			}
		}

		if err := scanner.Err(); err != nil {
			log.WithField("error", err.Error()).Error("reading input")
		}
	},
}

func init() {
	rootCmd.AddCommand(clientCmd)

	clientCmd.Flags().String("server", server.JoinAddress(server.DefaultHost, server.DefaultPort), "host:port of the chat server")
	clientCmd.Flags().String("author", "", "name shown with your messages")

	viper.BindPFlag("server", clientCmd.Flags().Lookup("server"))
	viper.BindPFlag("author", clientCmd.Flags().Lookup("author"))
}
