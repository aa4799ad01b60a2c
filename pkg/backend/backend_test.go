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

package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommand_SettleOnce(t *testing.T) {
	var outcomes []Outcome
	cmd := NewCommand(func(o Outcome) { outcomes = append(outcomes, o) })

	cmd.Settle(Accepted)
	cmd.Settle(Released)

	assert.Equal(t, []Outcome{Accepted}, outcomes)
}

func TestCommand_OneWay(t *testing.T) {
	cmd := NewCommand(nil)
	assert.True(t, cmd.OneWay())
	cmd.Settle(Rejected)

	cmd.CorrelationID = "c-1"
	assert.False(t, cmd.OneWay())
}

func TestConfig_Credentials(t *testing.T) {
	cfg := Config{URL: "tcp://localhost:1883"}
	assert.False(t, cfg.HasCredentials())

	withCreds := cfg.WithCredentials("gw", "secret")
	assert.True(t, withCreds.HasCredentials())
	assert.False(t, cfg.HasCredentials())
	assert.Equal(t, "tcp://localhost:1883", withCreds.URL)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "at-least-once", AtLeastOnce.String())
	assert.Equal(t, "at-most-once", AtMostOnce.String())
	assert.Equal(t, "released", Released.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}

func TestResponseAddress(t *testing.T) {
	assert.Equal(t, "command_response/t1/r-1", ResponseAddress("t1", "r-1"))
}
