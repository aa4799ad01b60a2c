// Copyright 2023 The mqtt-gateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mqttbridge

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mqtt-gateway/pkg/backend"
)

func findAvailablePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func startBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()
	addr := findAvailablePort(t)
	server := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() { server.Close() })
	time.Sleep(100 * time.Millisecond)
	return server, "tcp://" + addr
}

func connectBridge(t *testing.T, url string) backend.Client {
	t.Helper()
	c, err := New("t1", backend.Config{URL: url, ClientIDPrefix: "gw-", ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.IsConnected(ctx, time.Second))
	t.Cleanup(c.Disconnect)
	return c
}

func observer(t *testing.T, url, filter string) <-chan paho.Message {
	t.Helper()
	received := make(chan paho.Message, 10)
	opts := paho.NewClientOptions().AddBroker(url).SetClientID("observer")
	client := paho.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	token = client.Subscribe(filter, 1, func(_ paho.Client, msg paho.Message) {
		received <- msg
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(100) })
	return received
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New("t1", backend.Config{})
	assert.Error(t, err)
}

func TestConnect_Unreachable(t *testing.T) {
	addr := findAvailablePort(t)
	c, err := New("t1", backend.Config{URL: "tcp://" + addr, ConnectTimeout: 500 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, c.Connect(ctx))
	assert.ErrorIs(t, c.IsConnected(ctx, 50*time.Millisecond), backend.ErrNotConnected)
}

func TestSendTelemetry(t *testing.T) {
	_, url := startBroker(t)
	received := observer(t, url, "telemetry/#")
	c := connectBridge(t, url)

	err := c.SendTelemetry(context.Background(), backend.AtLeastOnce, "t1", "d1", backend.Message{
		Payload:     []byte(`{"temp":21}`),
		ContentType: "application/json",
		Properties:  map[string]string{"k": "v"},
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "telemetry/t1/d1", msg.Topic())
		var env Envelope
		require.NoError(t, json.Unmarshal(msg.Payload(), &env))
		assert.Equal(t, "d1", env.DeviceID)
		assert.Equal(t, []byte(`{"temp":21}`), env.Payload)
		assert.Equal(t, "v", env.Properties["k"])
	case <-time.After(5 * time.Second):
		t.Fatal("telemetry not received")
	}
}

func TestSendCommandResponse(t *testing.T) {
	_, url := startBroker(t)
	received := observer(t, url, "command_response/#")
	c := connectBridge(t, url)

	err := c.SendCommandResponse(context.Background(), backend.ResponseAddress("t1", "r-1"), "corr-1", 200, backend.Message{Payload: []byte("ok")})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "command_response/t1/r-1", msg.Topic())
		var env Envelope
		require.NoError(t, json.Unmarshal(msg.Payload(), &env))
		assert.Equal(t, "corr-1", env.CorrelationID)
		assert.Equal(t, 200, env.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("response not received")
	}

	err = c.SendCommandResponse(context.Background(), "command_response/#", "corr-1", 200, backend.Message{})
	assert.ErrorIs(t, err, backend.ErrUndeliverable)
}

func TestDeviceCommandConsumer(t *testing.T) {
	server, url := startBroker(t)
	c := connectBridge(t, url)

	commands := make(chan *backend.Command, 1)
	consumer, err := c.CreateDeviceSpecificCommandConsumer(context.Background(), "t1", "d1", func(cmd *backend.Command) {
		commands <- cmd
	})
	require.NoError(t, err)

	body, err := json.Marshal(Envelope{Name: "reboot", CorrelationID: "corr-9", ReplyID: "r-9", Payload: []byte("now")})
	require.NoError(t, err)
	require.NoError(t, server.Publish("command/t1/d1", body, false, 1))

	select {
	case cmd := <-commands:
		assert.Equal(t, "t1", cmd.TenantID)
		assert.Equal(t, "d1", cmd.DeviceID)
		assert.Equal(t, "reboot", cmd.Name)
		assert.Equal(t, "corr-9", cmd.CorrelationID)
		assert.Equal(t, "r-9", cmd.ReplyID)
		assert.False(t, cmd.OneWay())
		cmd.Settle(backend.Accepted)
	case <-time.After(5 * time.Second):
		t.Fatal("command not received")
	}

	require.NoError(t, consumer.Close())
	require.NoError(t, consumer.Close())
}

func TestTenantCommandConsumer(t *testing.T) {
	server, url := startBroker(t)
	c := connectBridge(t, url)

	commands := make(chan *backend.Command, 1)
	_, err := c.CreateTenantCommandConsumer(context.Background(), "t1", func(cmd *backend.Command) {
		commands <- cmd
	})
	require.NoError(t, err)

	body, err := json.Marshal(Envelope{Name: "ping"})
	require.NoError(t, err)
	require.NoError(t, server.Publish("command/t1/d7", body, false, 1))

	select {
	case cmd := <-commands:
		assert.Equal(t, "d7", cmd.DeviceID)
		assert.True(t, cmd.OneWay())
		cmd.Settle(backend.Rejected)
	case <-time.After(5 * time.Second):
		t.Fatal("command not received")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	_, url := startBroker(t)
	c, err := New("t1", backend.Config{URL: url})
	require.NoError(t, err)

	err = c.SendEvent(context.Background(), "t1", "d1", backend.Message{})
	assert.ErrorIs(t, err, backend.ErrNotConnected)
	_, err = c.CreateTenantCommandConsumer(context.Background(), "t1", func(*backend.Command) {})
	assert.ErrorIs(t, err, backend.ErrNotConnected)
}
