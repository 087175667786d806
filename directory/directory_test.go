// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/message"
	"github.com/luxfi/qimessaging/object"
	"github.com/luxfi/qimessaging/value"
)

func newDirectory(t *testing.T) *Directory {
	t.Helper()
	loop := eventloop.New("directory-test", 2)
	t.Cleanup(loop.Stop)
	d, err := New(loop)
	require.NoError(t, err)
	d.RegisterSelf([]string{"tcp://127.0.0.1:9559"}, "session", 1)
	return d
}

func register(t *testing.T, d *Directory, name string) uint32 {
	t.Helper()
	ctx := context.Background()
	id, err := d.RegisterService(ctx, ServiceInfo{Name: name, Endpoints: []string{"tcp://127.0.0.1:1"}})
	require.NoError(t, err)
	require.NoError(t, d.ServiceReady(ctx, id))
	return id
}

func TestMemberIDs(t *testing.T) {
	d := newDirectory(t)
	mo := d.Object().MetaObject()

	for name, want := range map[string]uint32{
		"service":           message.DirectoryService,
		"services":          message.DirectoryServices,
		"registerService":   message.DirectoryRegisterService,
		"unregisterService": message.DirectoryUnregisterService,
		"serviceReady":      message.DirectoryServiceReady,
		"updateServiceInfo": message.DirectoryUpdateServiceInfo,
		"machineId":         message.DirectoryMachineID,
	} {
		ms := mo.MethodsByName(name)
		require.Len(t, ms, 1, name)
		assert.Equal(t, want, ms[0].UID, name)
	}
	id, ok := mo.SignalID("serviceRegistered")
	require.True(t, ok)
	assert.Equal(t, message.DirectoryServiceRegistered, id)
	id, ok = mo.SignalID("serviceUnregistered")
	require.True(t, ok)
	assert.Equal(t, message.DirectoryServiceUnregistered, id)

	m, _ := mo.Method(message.DirectoryService)
	assert.Equal(t, "(sIsI[s]s)<ServiceInfo,name,serviceId,machineId,processId,endpoints,sessionId>", m.ReturnSignature)
}

func TestServiceIDsAreNeverReused(t *testing.T) {
	d := newDirectory(t)
	a := register(t, d, "A")
	b := register(t, d, "B")
	c := register(t, d, "C")
	assert.Less(t, a, b)
	assert.Less(t, b, c)
	assert.Greater(t, a, message.ServiceDirectory)

	require.NoError(t, d.UnregisterService(context.Background(), b))
	dd := register(t, d, "D")
	assert.Greater(t, dd, c)
	assert.NotEqual(t, b, dd)
}

func TestConcurrentRegistrationYieldsDistinctIDs(t *testing.T) {
	d := newDirectory(t)
	const n = 50
	ids := make([]uint32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := d.RegisterService(context.Background(), ServiceInfo{Name: "svc" + string(rune('a'+i%26)) + string(rune('a'+i/26))})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()
	seen := make(map[uint32]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
}

func TestPendingServicesAreHidden(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	id, err := d.RegisterService(ctx, ServiceInfo{Name: "pending"})
	require.NoError(t, err)

	_, err = d.Service("pending")
	assert.ErrorIs(t, err, ErrServiceNotFound)
	for _, s := range d.Services() {
		assert.NotEqual(t, "pending", s.Name)
	}

	_, err = d.RegisterService(ctx, ServiceInfo{Name: "pending"})
	assert.ErrorIs(t, err, ErrDuplicateServiceName)

	require.NoError(t, d.ServiceReady(ctx, id))
	info, err := d.Service("pending")
	require.NoError(t, err)
	assert.Equal(t, id, info.ServiceID)
}

func TestSelfEntryAndReservedID(t *testing.T) {
	d := newDirectory(t)
	info, err := d.Service(Name)
	require.NoError(t, err)
	assert.Equal(t, message.ServiceDirectory, info.ServiceID)
	assert.Equal(t, d.MachineID(), info.MachineID)
	assert.ErrorIs(t, d.UnregisterService(context.Background(), message.ServiceDirectory), ErrReservedService)

	_, err = d.RegisterService(context.Background(), ServiceInfo{})
	assert.ErrorIs(t, err, ErrInvalidServiceName)
}

func TestUpdateServiceInfo(t *testing.T) {
	d := newDirectory(t)
	id := register(t, d, "moving")

	err := d.UpdateServiceInfo(ServiceInfo{Name: "moving", ServiceID: id, Endpoints: []string{"tcp://10.0.0.1:9559"}})
	require.NoError(t, err)
	info, err := d.Service("moving")
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://10.0.0.1:9559"}, info.Endpoints)

	err = d.UpdateServiceInfo(ServiceInfo{Name: "renamed", ServiceID: id})
	assert.ErrorIs(t, err, ErrInvalidServiceName)
	err = d.UpdateServiceInfo(ServiceInfo{Name: "ghost", ServiceID: 999})
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestSignalsThroughObject(t *testing.T) {
	d := newDirectory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dir := object.AnyObject{Object: d.Object()}

	type event struct {
		id   uint32
		name string
	}
	events := make(chan event, 4)
	handler := func(args []value.Value) {
		id, _ := args[0].ToUint()
		name, _ := args[1].ToString()
		events <- event{uint32(id), name}
	}
	_, err := dir.Connect(ctx, "serviceRegistered", handler, nil).Get(ctx)
	require.NoError(t, err)
	_, err = dir.Connect(ctx, "serviceUnregistered", handler, nil).Get(ctx)
	require.NoError(t, err)

	id, err := object.CallAs[uint32](ctx, dir, "registerService", ServiceInfo{Name: "echo"})
	require.NoError(t, err)
	_, err = dir.Call(ctx, "serviceReady", id).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, event{id, "echo"}, <-events)

	info, err := object.CallAs[ServiceInfo](ctx, dir, "service", "echo")
	require.NoError(t, err)
	assert.Equal(t, id, info.ServiceID)

	all, err := object.CallAs[[]ServiceInfo](ctx, dir, "services")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, Name, all[0].Name)

	_, err = dir.Call(ctx, "unregisterService", id).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, event{id, "echo"}, <-events)

	_, err = dir.Call(ctx, "service", "echo").Get(ctx)
	assert.ErrorIs(t, err, ErrServiceNotFound)

	machine, err := object.CallAs[string](ctx, dir, "machineId")
	require.NoError(t, err)
	assert.Equal(t, d.MachineID(), machine)
}
