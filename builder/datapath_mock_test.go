// Code generated by MockGen would normally be used here; this is
// hand-written in the same shape mockgen produces for the Datapath
// interface so the alloc-failure test below doesn't need a real socket
// or the fakeDatapath's ad-hoc bookkeeping.
package builder

import (
	"net/netip"
	"reflect"

	"github.com/golang/mock/gomock"
)

// MockDatapath is a gomock-style mock of the Datapath interface.
type MockDatapath struct {
	ctrl     *gomock.Controller
	recorder *MockDatapathMockRecorder
}

// MockDatapathMockRecorder records expected calls on MockDatapath.
type MockDatapathMockRecorder struct {
	mock *MockDatapath
}

// NewMockDatapath constructs a MockDatapath registered with ctrl.
func NewMockDatapath(ctrl *gomock.Controller) *MockDatapath {
	mock := &MockDatapath{ctrl: ctrl}
	mock.recorder = &MockDatapathMockRecorder{mock: mock}
	return mock
}

// EXPECT returns the recorder used to set up call expectations.
func (m *MockDatapath) EXPECT() *MockDatapathMockRecorder {
	return m.recorder
}

func (m *MockDatapath) AllocSendContext(binding Binding, size int) (SendContext, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AllocSendContext", binding, size)
	ret0, _ := ret[0].(SendContext)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockDatapathMockRecorder) AllocSendContext(binding, size interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AllocSendContext",
		reflect.TypeOf((*MockDatapath)(nil).AllocSendContext), binding, size)
}

func (m *MockDatapath) AllocSendDatagram(ctx SendContext, size uint16) (*Datagram, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AllocSendDatagram", ctx, size)
	ret0, _ := ret[0].(*Datagram)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockDatapathMockRecorder) AllocSendDatagram(ctx, size interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AllocSendDatagram",
		reflect.TypeOf((*MockDatapath)(nil).AllocSendDatagram), ctx, size)
}

func (m *MockDatapath) FreeSendDatagram(ctx SendContext, d *Datagram) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "FreeSendDatagram", ctx, d)
}

func (mr *MockDatapathMockRecorder) FreeSendDatagram(ctx, d interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "FreeSendDatagram",
		reflect.TypeOf((*MockDatapath)(nil).FreeSendDatagram), ctx, d)
}

func (m *MockDatapath) IsSendContextFull(ctx SendContext) bool {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "IsSendContextFull", ctx)
	ret0, _ := ret[0].(bool)
	return ret0
}

func (mr *MockDatapathMockRecorder) IsSendContextFull(ctx interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "IsSendContextFull",
		reflect.TypeOf((*MockDatapath)(nil).IsSendContextFull), ctx)
}

func (m *MockDatapath) SendTo(binding Binding, remote netip.AddrPort, ctx SendContext) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SendTo", binding, remote, ctx)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockDatapathMockRecorder) SendTo(binding, remote, ctx interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SendTo",
		reflect.TypeOf((*MockDatapath)(nil).SendTo), binding, remote, ctx)
}

func (m *MockDatapath) SendFromTo(binding Binding, local, remote netip.AddrPort, ctx SendContext) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SendFromTo", binding, local, remote, ctx)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockDatapathMockRecorder) SendFromTo(binding, local, remote, ctx interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SendFromTo",
		reflect.TypeOf((*MockDatapath)(nil).SendFromTo), binding, local, remote, ctx)
}

func (m *MockDatapath) IsPaddingPreferred() bool {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "IsPaddingPreferred")
	ret0, _ := ret[0].(bool)
	return ret0
}

func (mr *MockDatapathMockRecorder) IsPaddingPreferred() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "IsPaddingPreferred",
		reflect.TypeOf((*MockDatapath)(nil).IsPaddingPreferred))
}
