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

package tracker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mqtt-gateway/pkg/topic"
)

func newSub(t *testing.T, filter string, qos byte) *Subscription {
	t.Helper()
	f, err := topic.ParseCommandFilter(filter)
	require.NoError(t, err)
	tenant, device := f.Resolve("t1", "d1")
	return &Subscription{Filter: f, QoS: qos, ClientID: "c1", TenantID: tenant, DeviceID: device}
}

func TestAddSubscription_ConsumerCreatedOnce(t *testing.T) {
	tr := New(time.Second)
	var calls int32
	onFirst := func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	require.NoError(t, tr.AddSubscription(newSub(t, "command///req/#", 1), onFirst))
	require.NoError(t, tr.AddSubscription(newSub(t, "c/+/+/q/#", 0), onFirst))
	require.NoError(t, tr.AddSubscription(newSub(t, "command///req/#", 0), onFirst))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, tr.ConsumerCreated())
	subs := tr.Subscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, "command///req/#", subs[0].Filter.Filter)
	assert.Equal(t, byte(0), subs[0].QoS, "re-subscribing replaces the grant")
}

func TestAddSubscription_ConcurrentFirst(t *testing.T) {
	tr := New(time.Second)
	var calls int32
	release := make(chan struct{})
	onFirst := func() error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	for _, f := range []string{"command///req/#", "command/+/+/req/#", "c///q/#"} {
		wg.Add(1)
		go func(filter string) {
			defer wg.Done()
			assert.NoError(t, tr.AddSubscription(newSub(t, filter, 1), onFirst))
		}(f)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 3, tr.Len())
}

func TestAddSubscription_ConsumerFailureRetries(t *testing.T) {
	tr := New(time.Second)
	boom := errors.New("boom")

	err := tr.AddSubscription(newSub(t, "command///req/#", 1), func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, tr.Len())
	assert.False(t, tr.ConsumerCreated())

	var called bool
	err = tr.AddSubscription(newSub(t, "command///req/#", 1), func() error { called = true; return nil })
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 1, tr.Len())
}

func TestRemoveSubscription(t *testing.T) {
	tr := New(time.Second)
	require.NoError(t, tr.AddSubscription(newSub(t, "command///req/#", 1), nil))
	require.NoError(t, tr.AddSubscription(newSub(t, "c/+/d2/q/#", 1), nil))

	tr.RemoveSubscription("command///req/#")
	tr.RemoveSubscription("not/subscribed")
	subs := tr.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "d2", subs[0].DeviceID)

	tr.RemoveAllSubscriptions()
	assert.Equal(t, 0, tr.Len())
}

func TestLookup(t *testing.T) {
	tr := New(time.Second)
	require.NoError(t, tr.AddSubscription(newSub(t, "command///req/#", 1), nil))
	require.NoError(t, tr.AddSubscription(newSub(t, "command/+/+/req/#", 0), nil))

	sub, ok := tr.Lookup("t1", "d1")
	require.True(t, ok)
	assert.Equal(t, "command///req/#", sub.Filter.Filter)

	_, ok = tr.Lookup("t1", "other")
	assert.False(t, ok)
}

func TestAcknowledgement_AckedBeforeTimeout(t *testing.T) {
	tr := New(200 * time.Millisecond)
	var acked, timedOut int32
	tr.AddToWaitingForAcknowledgement(7,
		func() { atomic.AddInt32(&acked, 1) },
		func() { atomic.AddInt32(&timedOut, 1) })
	assert.True(t, tr.IsPending(7))

	require.NoError(t, tr.HandleAcknowledgement(7))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&acked))
	assert.Equal(t, int32(0), atomic.LoadInt32(&timedOut))
	assert.ErrorIs(t, tr.HandleAcknowledgement(7), ErrUnknownMessageID)
	assert.Equal(t, 0, tr.PendingCount())
}

func TestAcknowledgement_TimeoutThenLateAck(t *testing.T) {
	tr := New(50 * time.Millisecond)
	var acked, timedOut int32
	tr.AddToWaitingForAcknowledgement(9,
		func() { atomic.AddInt32(&acked, 1) },
		func() { atomic.AddInt32(&timedOut, 1) })

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&timedOut) == 1 }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, tr.HandleAcknowledgement(9), ErrUnknownMessageID)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&acked))
	assert.Equal(t, int32(1), atomic.LoadInt32(&timedOut))
}

func TestAcknowledgement_ReleasedOnRemoveAll(t *testing.T) {
	tr := New(50 * time.Millisecond)
	var acked, timedOut int32
	tr.AddToWaitingForAcknowledgement(1,
		func() { atomic.AddInt32(&acked, 1) },
		func() { atomic.AddInt32(&timedOut, 1) })

	tr.RemoveAllSubscriptions()
	assert.Equal(t, int32(1), atomic.LoadInt32(&timedOut))
	assert.False(t, tr.IsPending(1))

	time.Sleep(100 * time.Millisecond)
	assert.ErrorIs(t, tr.HandleAcknowledgement(1), ErrUnknownMessageID)
	assert.Equal(t, int32(0), atomic.LoadInt32(&acked))
	assert.Equal(t, int32(1), atomic.LoadInt32(&timedOut))
}

func TestAcknowledgement_SameIDReleasesPrevious(t *testing.T) {
	tr := New(time.Minute)
	var firstTimedOut, secondAcked int32
	tr.AddToWaitingForAcknowledgement(7, func() {}, func() { atomic.AddInt32(&firstTimedOut, 1) })
	tr.AddToWaitingForAcknowledgement(7, func() { atomic.AddInt32(&secondAcked, 1) }, func() {})

	assert.Equal(t, int32(1), atomic.LoadInt32(&firstTimedOut))
	require.NoError(t, tr.HandleAcknowledgement(7))
	assert.Equal(t, int32(1), atomic.LoadInt32(&secondAcked))
	assert.Equal(t, int32(1), atomic.LoadInt32(&firstTimedOut))
}

func TestNew_DefaultTimeout(t *testing.T) {
	assert.Equal(t, DefaultAckTimeout, New(0).timeout)
}

func TestReleasePending(t *testing.T) {
	tr := New(time.Minute)
	var acked, released int32
	for id := uint16(1); id <= 3; id++ {
		tr.AddToWaitingForAcknowledgement(id,
			func() { atomic.AddInt32(&acked, 1) },
			func() { atomic.AddInt32(&released, 1) })
	}

	assert.Equal(t, 3, tr.ReleasePending())
	assert.Equal(t, int32(3), atomic.LoadInt32(&released))
	assert.Equal(t, 0, tr.PendingCount())
	assert.ErrorIs(t, tr.HandleAcknowledgement(2), ErrUnknownMessageID)
	assert.Equal(t, int32(0), atomic.LoadInt32(&acked))
	assert.Equal(t, 0, tr.ReleasePending())
}
