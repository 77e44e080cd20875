/*
   client is a chat client that automatically reconnects
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

// Package client connects to a chat server over tcp, sends messages
// under one author name, and delivers everyone else's messages on Receive.
package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/practable/chat/pkg/codec"
	log "github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Send between connections
var ErrNotConnected = errors.New("not connected")

type RetryConfig struct {
	Factor float64
	Jitter bool
	Min    time.Duration
	Max    time.Duration
}

type Client struct {
	Author        string
	MaxFrameBytes int
	Retry         RetryConfig

	// Receive carries messages from other clients. It is never closed.
	Receive chan codec.Message

	mu   sync.Mutex
	conn net.Conn
	log  *log.Entry
}

func New(author string) *Client {
	return &Client{
		Author:        author,
		MaxFrameBytes: codec.DefaultMaxFrameBytes,
		Retry: RetryConfig{Factor: 2,
			Min:    time.Second,
			Max:    10 * time.Second,
			Jitter: false},
		Receive: make(chan codec.Message),
		log:     log.WithField("author", author),
	}
}

// Connected reports whether Send currently has a connection to write to
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Reconnect dials addr, and dials again after each disconnection
// with increasing delay, until ctx is cancelled.
func (c *Client) Reconnect(ctx context.Context, addr string) {

	boff := &backoff.Backoff{
		Min:    c.Retry.Min,
		Max:    c.Retry.Max,
		Factor: c.Retry.Factor,
		Jitter: c.Retry.Jitter,
	}

	for {

		err := c.Dial(ctx, addr)

		if ctx.Err() != nil {
			return
		}

		if err == nil {
			boff.Reset()
		}

		d := boff.Duration()

		c.log.WithFields(log.Fields{"error": err, "retry": d.String()}).Debug("dial finished")

		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

// Dial connects to addr once and relays messages until the connection
// ends or ctx is cancelled. It returns nil if the server closed the
// connection cleanly or ctx was cancelled.
func (c *Client) Dial(ctx context.Context, addr string) error {

	if addr == "" {
		return errors.New("can't dial an empty address")
	}

	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)

	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.WithField("to", addr).Debug("connected")

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	for {

		m, err := codec.ReadFrame(conn, c.MaxFrameBytes)

		if err != nil {

			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.log.WithField("to", addr).Debug("disconnected")
				return nil
			}

			return err
		}

		select {
		case c.Receive <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// Send composes a message from body, stamped now, and writes it to the server
func (c *Client) Send(ctx context.Context, body string) error {

	m := codec.NewMessage(c.Author, body, time.Now())

	frame, err := codec.Encode(m)

	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	// zero, so no deadline, unless ctx has one
	deadline, _ := ctx.Deadline()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	_, err = c.conn.Write(frame)

	return err
}

// Format renders m as one line of a chat transcript in local time
func Format(m codec.Message) string {
	return "[" + m.Date.Local().Format("15:04:05") + "] " + m.Author + ": " + m.Body
}
