// SPDX-License-Identifier: AGPL-3.0-or-later
// signalbroker - coordination core for a distributed browser synthesizer
// Copyright (C) 2023-2026 Jacob McSwain
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/signalmesh/broker/internal/config"
	"github.com/signalmesh/broker/internal/kv"
	"github.com/signalmesh/broker/internal/registry"
	"github.com/USA-RedDragon/configulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	closedCode   int
	closedReason string
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.closedCode = code
	s.closedReason = reason
	return nil
}

type recordedNotification struct {
	event    string
	clientID string
}

type fakeNotifier struct {
	notifications []recordedNotification
}

func (n *fakeNotifier) NotifyControllers(_ context.Context, event string, clientID string) error {
	n.notifications = append(n.notifications, recordedNotification{event: event, clientID: clientID})
	return nil
}

func makeTestRegistry(t *testing.T) (*registry.Registry, *fakeNotifier) {
	t.Helper()
	defConfig, err := configulator.New[config.Config]().Default()
	require.NoError(t, err)

	store, err := kv.MakeKV(context.Background(), &defConfig)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	notifier := &fakeNotifier{}
	return registry.New(store, "instance-1", time.Minute, notifier), notifier
}

func TestRegisterNewClient(t *testing.T) {
	t.Parallel()
	reg, notifier := makeTestRegistry(t)
	ctx := context.Background()

	record, reconnected, err := reg.Register(ctx, "synth-a", &fakeSocket{}, false, time.Time{})
	require.NoError(t, err)
	assert.False(t, reconnected)
	assert.Equal(t, 0, record.ReconnectionCount)
	assert.False(t, record.IsController)
	require.Len(t, notifier.notifications, 1)
	assert.Equal(t, "client-connected", notifier.notifications[0].event)
}

func TestRegisterControllerWritesDirectoryAndSkipsNotification(t *testing.T) {
	t.Parallel()
	reg, notifier := makeTestRegistry(t)
	ctx := context.Background()

	record, _, err := reg.Register(ctx, "controller-a", &fakeSocket{}, false, time.Time{})
	require.NoError(t, err)
	assert.True(t, record.IsController)
	assert.Empty(t, notifier.notifications)
}

func TestReRegisterPreservesConnectionTimestampAndIncrementsCount(t *testing.T) {
	t.Parallel()
	reg, notifier := makeTestRegistry(t)
	ctx := context.Background()

	first, _, err := reg.Register(ctx, "synth-b", &fakeSocket{}, false, time.Time{})
	require.NoError(t, err)

	second, reconnected, err := reg.Register(ctx, "synth-b", &fakeSocket{}, false, time.Time{})
	require.NoError(t, err)
	assert.True(t, reconnected)
	assert.Equal(t, first.ConnectionTimestamp.Unix(), second.ConnectionTimestamp.Unix())
	assert.Equal(t, 1, second.ReconnectionCount)
	require.NotNil(t, second.LastReconnectTime)

	require.Len(t, notifier.notifications, 2)
	assert.Equal(t, "client-reconnected", notifier.notifications[1].event)
}

func TestReRegisterClosesPriorLocalSocket(t *testing.T) {
	t.Parallel()
	reg, _ := makeTestRegistry(t)
	ctx := context.Background()

	oldSocket := &fakeSocket{}
	_, _, err := reg.Register(ctx, "synth-c", oldSocket, false, time.Time{})
	require.NoError(t, err)

	_, _, err = reg.Register(ctx, "synth-c", &fakeSocket{}, false, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 1000, oldSocket.closedCode)
	assert.Equal(t, "Replaced", oldSocket.closedReason)
}

func TestUnregisterNonControllerNotifies(t *testing.T) {
	t.Parallel()
	reg, notifier := makeTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.Register(ctx, "synth-d", &fakeSocket{}, false, time.Time{})
	require.NoError(t, err)
	notifier.notifications = nil

	err = reg.Unregister(ctx, "synth-d")
	require.NoError(t, err)

	require.Len(t, notifier.notifications, 1)
	assert.Equal(t, "client-disconnected", notifier.notifications[0].event)

	record, err := reg.Get(ctx, "synth-d")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestUnregisterControllerDoesNotNotify(t *testing.T) {
	t.Parallel()
	reg, notifier := makeTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.Register(ctx, "controller-b", &fakeSocket{}, false, time.Time{})
	require.NoError(t, err)
	notifier.notifications = nil

	err = reg.Unregister(ctx, "controller-b")
	require.NoError(t, err)
	assert.Empty(t, notifier.notifications)
}

func TestListSynthsSkipsControllers(t *testing.T) {
	t.Parallel()
	reg, _ := makeTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.Register(ctx, "synth-e", &fakeSocket{}, false, time.Time{})
	require.NoError(t, err)
	_, _, err = reg.Register(ctx, "controller-c", &fakeSocket{}, false, time.Time{})
	require.NoError(t, err)

	synths, err := reg.ListSynths(ctx)
	require.NoError(t, err)
	require.Len(t, synths, 1)
	assert.Equal(t, "synth-e", synths[0].ID)
	assert.True(t, synths[0].LocalToThisInstance)
}

func TestTouchUpdatesLastSeenOnly(t *testing.T) {
	t.Parallel()
	reg, _ := makeTestRegistry(t)
	ctx := context.Background()

	record, _, err := reg.Register(ctx, "synth-f", &fakeSocket{}, false, time.Time{})
	require.NoError(t, err)
	originalConnectionTime := record.ConnectionTimestamp

	time.Sleep(10 * time.Millisecond)
	err = reg.Touch(ctx, "synth-f")
	require.NoError(t, err)

	updated, err := reg.Get(ctx, "synth-f")
	require.NoError(t, err)
	assert.Equal(t, originalConnectionTime.Unix(), updated.ConnectionTimestamp.Unix())
	assert.True(t, updated.LastSeen.After(record.LastSeen) || updated.LastSeen.Equal(record.LastSeen))
}

func TestIsControllerAndIsSynth(t *testing.T) {
	t.Parallel()
	assert.True(t, registry.IsController("controller-abc"))
	assert.False(t, registry.IsController("synth-abc"))
	assert.True(t, registry.IsSynth("synth-abc"))
	assert.False(t, registry.IsSynth("controller-abc"))
}
