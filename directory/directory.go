// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package directory implements the service directory: the in-memory
// registry mapping service names to the endpoints that serve them. The
// directory is itself an object, hosted as service 1 by a standalone
// session.
//
// Registration takes two steps. registerService reserves an id and
// serviceReady publishes the service; until then it is neither listed nor
// resolvable. Ids are never reused during the life of a directory.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/qimessaging/eventloop"
	"github.com/luxfi/qimessaging/message"
	"github.com/luxfi/qimessaging/object"
	"github.com/luxfi/qimessaging/transport"
)

var log = logrus.WithField("category", "qimessaging.directory")

var (
	ErrServiceNotFound      = errors.New("service not found")
	ErrDuplicateServiceName = errors.New("service name already registered")
	ErrInvalidServiceName   = errors.New("invalid service name")
	ErrReservedService      = errors.New("reserved service id")
)

var (
	machineOnce  sync.Once
	localMachine string
)

// LocalMachineID returns an identifier of this machine, stable across
// processes running on it.
func LocalMachineID() string {
	machineOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil || host == "" {
			localMachine = shortuuid.New()
			return
		}
		localMachine = shortuuid.NewWithNamespace(host)
	})
	return localMachine
}

// Name is the name the directory registers itself under.
const Name = "ServiceDirectory"

// ServiceInfo describes a registered service.
type ServiceInfo struct {
	Name      string   `qi:"name"`
	ServiceID uint32   `qi:"serviceId"`
	MachineID string   `qi:"machineId"`
	ProcessID uint32   `qi:"processId"`
	Endpoints []string `qi:"endpoints"`
	SessionID string   `qi:"sessionId"`
}

func (i ServiceInfo) clone() ServiceInfo {
	i.Endpoints = append([]string(nil), i.Endpoints...)
	return i
}

type entry struct {
	info  ServiceInfo
	ready bool
	owner *transport.Socket
}

// Directory is the registry. Its exported methods are what the advertised
// object members call.
type Directory struct {
	machineID string
	obj       *object.GenericObject

	mu      sync.Mutex
	nextID  uint32
	entries map[uint32]*entry
	byName  map[string]uint32
	owners  map[*transport.Socket]struct{}
}

// New returns an empty directory whose object schedules on loop.
func New(loop *eventloop.EventLoop) (*Directory, error) {
	d := &Directory{
		machineID: LocalMachineID(),
		nextID:    message.ServiceDirectory + 1,
		entries:   make(map[uint32]*entry),
		byName:    make(map[string]uint32),
		owners:    make(map[*transport.Socket]struct{}),
	}
	b := object.NewBuilder().SetThreadingModel(object.MultiThread).SetDescription("service directory")
	steps := []func() (uint32, error){
		func() (uint32, error) { return b.AdvertiseFunc("service", d.Service) },
		func() (uint32, error) { return b.AdvertiseFunc("services", d.Services) },
		func() (uint32, error) { return b.AdvertiseFunc("registerService", d.RegisterService) },
		func() (uint32, error) { return b.AdvertiseFunc("unregisterService", d.UnregisterService) },
		func() (uint32, error) { return b.AdvertiseFunc("serviceReady", d.ServiceReady) },
		func() (uint32, error) { return b.AdvertiseFunc("updateServiceInfo", d.UpdateServiceInfo) },
		func() (uint32, error) { return b.AdvertiseSignal("serviceRegistered", "(Is)") },
		func() (uint32, error) { return b.AdvertiseSignal("serviceUnregistered", "(Is)") },
		func() (uint32, error) { return b.AdvertiseFunc("machineId", d.MachineID) },
	}
	for i, step := range steps {
		id, err := step()
		if err != nil {
			return nil, err
		}
		if want := message.DirectoryService + uint32(i); id != want {
			return nil, fmt.Errorf("directory member %d got id %d", want, id)
		}
	}
	obj, err := b.Object(loop)
	if err != nil {
		return nil, err
	}
	d.obj = obj
	return d, nil
}

// Object returns the object to expose as service 1.
func (d *Directory) Object() *object.GenericObject { return d.obj }

// RegisterSelf publishes the directory under service id 1.
func (d *Directory) RegisterSelf(endpoints []string, sessionID string, pid uint32) {
	d.mu.Lock()
	d.entries[message.ServiceDirectory] = &entry{
		info: ServiceInfo{
			Name:      Name,
			ServiceID: message.ServiceDirectory,
			MachineID: d.machineID,
			ProcessID: pid,
			Endpoints: append([]string(nil), endpoints...),
			SessionID: sessionID,
		},
		ready: true,
	}
	d.byName[Name] = message.ServiceDirectory
	d.mu.Unlock()
}

// MachineID identifies the machine the directory runs on.
func (d *Directory) MachineID() string { return d.machineID }

// Service returns the ready service called name.
func (d *Directory) Service(name string) (ServiceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byName[name]
	if !ok || !d.entries[id].ready {
		return ServiceInfo{}, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return d.entries[id].info.clone(), nil
}

// Services returns the ready services ordered by id.
func (d *Directory) Services() []ServiceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ServiceInfo, 0, len(d.entries))
	for _, e := range d.entries {
		if e.ready {
			out = append(out, e.info.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// RegisterService reserves an id for info. The service becomes visible
// after ServiceReady. When the call arrived over a socket, the service is
// unregistered once that socket disconnects.
func (d *Directory) RegisterService(ctx context.Context, info ServiceInfo) (uint32, error) {
	if info.Name == "" {
		return 0, fmt.Errorf("%w: empty name", ErrInvalidServiceName)
	}
	owner, _ := transport.SocketFromContext(ctx)

	d.mu.Lock()
	if _, ok := d.byName[info.Name]; ok {
		d.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrDuplicateServiceName, info.Name)
	}
	id := d.nextID
	d.nextID++
	info = info.clone()
	info.ServiceID = id
	d.entries[id] = &entry{info: info, owner: owner}
	d.byName[info.Name] = id
	watch := false
	if owner != nil {
		if _, ok := d.owners[owner]; !ok {
			d.owners[owner] = struct{}{}
			watch = true
		}
	}
	d.mu.Unlock()

	if watch {
		owner.OnDisconnected(func(error) { d.dropOwner(owner) })
	}
	logService(info.Name, id, "service registered")
	return id, nil
}

// ServiceReady publishes a registered service and emits serviceRegistered.
func (d *Directory) ServiceReady(ctx context.Context, id uint32) error {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrServiceNotFound, id)
	}
	if e.ready {
		d.mu.Unlock()
		return nil
	}
	e.ready = true
	name := e.info.Name
	d.mu.Unlock()

	logService(name, id, "service ready")
	return d.obj.Emit(ctx, "serviceRegistered", id, name)
}

// UnregisterService removes service id. serviceUnregistered is emitted when
// the service was ready.
func (d *Directory) UnregisterService(ctx context.Context, id uint32) error {
	if id == message.ServiceDirectory {
		return fmt.Errorf("%w: %d", ErrReservedService, id)
	}
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrServiceNotFound, id)
	}
	delete(d.entries, id)
	delete(d.byName, e.info.Name)
	d.mu.Unlock()

	logService(e.info.Name, id, "service unregistered")
	if !e.ready {
		return nil
	}
	return d.obj.Emit(ctx, "serviceUnregistered", id, e.info.Name)
}

// UpdateServiceInfo replaces the endpoints and process details of a
// registered service. Its name and id cannot change.
func (d *Directory) UpdateServiceInfo(info ServiceInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[info.ServiceID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrServiceNotFound, info.ServiceID)
	}
	if e.info.Name != info.Name {
		return fmt.Errorf("%w: id %d is %s, not %s", ErrInvalidServiceName, info.ServiceID, e.info.Name, info.Name)
	}
	e.info = info.clone()
	return nil
}

func (d *Directory) dropOwner(owner *transport.Socket) {
	d.mu.Lock()
	delete(d.owners, owner)
	var ids []uint32
	for id, e := range d.entries {
		if e.owner == owner {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := d.UnregisterService(context.Background(), id); err != nil && !errors.Is(err, ErrServiceNotFound) {
			log.WithError(err).WithField("id", id).Warn("cannot drop service of disconnected socket")
		}
	}
}

// logService logs a registry change. Services whose name starts with an
// underscore are internal and only logged at debug level.
func logService(name string, id uint32, msg string) {
	entry := log.WithFields(logrus.Fields{"service": name, "id": id})
	if strings.HasPrefix(name, "_") {
		entry.Debug(msg)
		return
	}
	entry.Info(msg)
}
