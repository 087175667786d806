// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/luxfi/qimessaging/directory"
	"github.com/luxfi/qimessaging/object"
)

const callTimeout = 10 * time.Second

// DirectoryService answers JSON-RPC requests about the services of a
// directory. Methods are exposed as Directory.Services, Directory.Service
// and Directory.MachineID.
type DirectoryService struct {
	dir func() (object.AnyObject, error)
}

type ServicesArgs struct{}

type ServicesReply struct {
	Services []directory.ServiceInfo `json:"services"`
}

type ServiceArgs struct {
	Name string `json:"name"`
}

type ServiceReply struct {
	Service directory.ServiceInfo `json:"service"`
}

type MachineIDReply struct {
	MachineID string `json:"machineId"`
}

func (s *DirectoryService) call(r *http.Request) (context.Context, context.CancelFunc, object.AnyObject, error) {
	dir, err := s.dir()
	if err != nil {
		return nil, nil, object.AnyObject{}, err
	}
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	return ctx, cancel, dir, nil
}

func (s *DirectoryService) Services(r *http.Request, _ *ServicesArgs, reply *ServicesReply) error {
	ctx, cancel, dir, err := s.call(r)
	if err != nil {
		return err
	}
	defer cancel()
	reply.Services, err = object.CallAs[[]directory.ServiceInfo](ctx, dir, "services")
	return err
}

func (s *DirectoryService) Service(r *http.Request, args *ServiceArgs, reply *ServiceReply) error {
	ctx, cancel, dir, err := s.call(r)
	if err != nil {
		return err
	}
	defer cancel()
	reply.Service, err = object.CallAs[directory.ServiceInfo](ctx, dir, "service", args.Name)
	return err
}

func (s *DirectoryService) MachineID(r *http.Request, _ *ServicesArgs, reply *MachineIDReply) error {
	ctx, cancel, dir, err := s.call(r)
	if err != nil {
		return err
	}
	defer cancel()
	reply.MachineID, err = object.CallAs[string](ctx, dir, "machineId")
	return err
}
