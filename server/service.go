package server

import (
	"fmt"
	"reflect"

	"msgpack-rpc/transport"
)

var typeOfError = reflect.TypeOf((*error)(nil)).Elem()

// procedure is one exported method of the form func(*Args, *Reply) error.
type procedure struct {
	fn    reflect.Value
	args  reflect.Type
	reply reflect.Type
}

// service exposes the methods of one receiver as the procedures of a
// program named after the receiver's type.
type service struct {
	name  string
	rcvr  reflect.Value
	procs map[string]procedure
}

func newService(rcvr any) (*service, error) {
	t := reflect.TypeOf(rcvr)
	if t == nil || t.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("msgpackrpc: rcvr must be a pointer, got %T", rcvr)
	}
	if t.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("msgpackrpc: rcvr must point to a struct, got %s", t.Elem().Kind())
	}
	s := &service{
		name:  t.Elem().Name(),
		rcvr:  reflect.ValueOf(rcvr),
		procs: scanProcedures(t),
	}
	if len(s.procs) == 0 {
		return nil, fmt.Errorf("msgpackrpc: type %s has no exported methods of the form func(*Args, *Reply) error", s.name)
	}
	return s, nil
}

// scanProcedures skips methods with any other shape.
func scanProcedures(t reflect.Type) map[string]procedure {
	procs := make(map[string]procedure)
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		ft := m.Type
		if ft.NumIn() != 3 || ft.NumOut() != 1 || ft.Out(0) != typeOfError {
			continue
		}
		if ft.In(1).Kind() != reflect.Ptr || ft.In(2).Kind() != reflect.Ptr {
			continue
		}
		procs[m.Name] = procedure{fn: m.Func, args: ft.In(1).Elem(), reply: ft.In(2).Elem()}
	}
	return procs
}

func (s *service) invoke(p procedure, args, reply reflect.Value) error {
	out := p.fn.Call([]reflect.Value{s.rcvr, args, reply})
	if err, _ := out[0].Interface().(error); err != nil {
		return err
	}
	return nil
}

// handle is the transport.Handler for the service's program.
//
//	"Arith.Add" → procs["Add"] → decode *Args → Add(args, reply) → Reply(reply)
func (s *service) handle(sc *transport.ServerCall) {
	if sc.EOF() {
		return
	}
	p, ok := s.procs[sc.Procedure()]
	if !ok {
		_ = sc.Reject(transport.StatProcUnavail)
		return
	}

	args := reflect.New(p.args)
	reply := reflect.New(p.reply)
	if err := sc.Decode(args.Interface()); err != nil {
		_ = sc.Reject(transport.StatGarbageArgs)
		return
	}
	if err := s.invoke(p, args, reply); err != nil {
		_ = sc.ReplyError(err)
		return
	}
	_ = sc.Reply(reply.Interface())
}
