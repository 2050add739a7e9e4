package scheduler

import (
	"net"
	"strconv"

	"github.com/Brijeshlakkad/queryd/internal/discovery"
)

type ModeKind uint8

const (
	Dynamic ModeKind = iota + 1
	Static
)

func (k ModeKind) String() string {
	switch k {
	case Dynamic:
		return "dynamic"
	case Static:
		return "static"
	default:
		return "unknown"
	}
}

// Subscriber is the membership service a dynamic scheduler follows.
type Subscriber interface {
	IsRunning() bool
	AddListener(serviceID string, h discovery.Handler)
	RemoveListener(serviceID string)
}

type HostPort struct {
	Host string
	Port int
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

// Mode is fixed when the scheduler is built and never changes afterwards.
type Mode struct {
	kind       ModeKind
	subscriber Subscriber
	serviceID  string
	addresses  []HostPort
}

// DynamicMode follows the backends that advertise serviceID through s.
func DynamicMode(s Subscriber, serviceID string) Mode {
	return Mode{kind: Dynamic, subscriber: s, serviceID: serviceID}
}

// StaticMode schedules over a fixed list of backends.
func StaticMode(addresses []HostPort) Mode {
	return Mode{kind: Static, addresses: append([]HostPort(nil), addresses...)}
}

func (m Mode) Kind() ModeKind {
	return m.kind
}

func (m Mode) Subscriber() Subscriber {
	return m.subscriber
}

func (m Mode) ServiceID() string {
	return m.serviceID
}

// Addresses returns a copy of the static backend list.
func (m Mode) Addresses() []HostPort {
	return append([]HostPort(nil), m.addresses...)
}
