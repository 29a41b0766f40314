// Package process classifies the current process within a client /
// data-server / render-server / batch topology.
package process

import (
	"fmt"

	"github.com/Yeicor/pvrender/internal/comm"
	"github.com/Yeicor/pvrender/internal/tile"
)

// Role is the classification of this process. It is decided once at startup.
type Role int

const (
	Invalid Role = iota
	Standalone
	Batch
	DataServer
	RenderServer
	Client
)

func (r Role) String() string {
	switch r {
	case Standalone:
		return "standalone"
	case Batch:
		return "batch"
	case DataServer:
		return "data-server"
	case RenderServer:
		return "render-server"
	case Client:
		return "client"
	}
	return "invalid"
}

// Type is how the executable was launched.
type Type int

const (
	TypeClient       Type = iota // a GUI or scripting client, possibly connected to servers
	TypeBatch                    // a parallel batch job without client
	TypeServer                   // combined data and render server
	TypeDataServer               // data server of a three-tier setup
	TypeRenderServer             // render server of a three-tier setup
)

func (t Type) String() string {
	switch t {
	case TypeClient:
		return "client"
	case TypeBatch:
		return "batch"
	case TypeServer:
		return "server"
	case TypeDataServer:
		return "data-server"
	case TypeRenderServer:
		return "render-server"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Module is the process module handed to the render subsystem: how the process
// was launched and the communicators it may use.
type Module struct {
	Type Type
	// Parallel is the group of local partitions (batch ranks, or the ranks of
	// one server). Nil for a single process.
	Parallel comm.Controller
	// RenderServer is, on a client, the link to the render server root (or the
	// combined server).
	RenderServer comm.Controller
	// DataServer is, on a client of a three-tier setup, the link to the data
	// server root. Nil when the data and render servers are combined.
	DataServer comm.Controller
	// ClientLink is, on the root of a server group, the link to the client.
	ClientLink comm.Controller
	// Tiles is the tile capability of the (render) server. On clients it is
	// the configuration reported by the server.
	Tiles tile.Source
}

// Rank of this process in its parallel group (0 without one).
func (m *Module) Rank() int {
	if m.Parallel == nil {
		return 0
	}
	return m.Parallel.Rank()
}

// Size of the parallel group (1 without one).
func (m *Module) Size() int {
	if m.Parallel == nil {
		return 1
	}
	return m.Parallel.Size()
}

// TileConfig returns the tile configuration, or the empty one.
func (m *Module) TileConfig() tile.Config {
	if m.Tiles == nil {
		return tile.Config{}
	}
	return m.Tiles.TileConfig()
}

// FatalConfigurationError reports a topology that the render subsystem cannot
// work with. The hosting application decides whether to abort.
type FatalConfigurationError struct {
	Reason string
}

func (e *FatalConfigurationError) Error() string {
	return "fatal configuration error: " + e.Reason
}

func fatalf(format string, args ...interface{}) error {
	return &FatalConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// Detect classifies the process described by m.
func Detect(m *Module) (Role, error) {
	if m == nil {
		return Invalid, fatalf("no process module available")
	}
	switch m.Type {
	case TypeClient:
		if m.RenderServer == nil {
			if m.DataServer != nil {
				return Invalid, fatalf("client has a data server link but no render server link")
			}
			if m.Size() > 1 {
				return Batch, nil
			}
			return Standalone, nil
		}
		if m.Parallel != nil && m.Parallel.Size() > 1 {
			return Invalid, fatalf("a connected client cannot be parallel (%d ranks)", m.Parallel.Size())
		}
		return Client, nil
	case TypeBatch:
		if m.RenderServer != nil || m.DataServer != nil || m.ClientLink != nil {
			return Invalid, fatalf("batch processes do not connect to other tiers")
		}
		return Batch, nil
	case TypeServer, TypeRenderServer, TypeDataServer:
		if m.Rank() == 0 && m.ClientLink == nil {
			return Invalid, fatalf("%s root has no client link", m.Type)
		}
		if m.Rank() > 0 && m.ClientLink != nil {
			return Invalid, fatalf("%s satellite %d must not hold the client link", m.Type, m.Rank())
		}
		if m.Type == TypeDataServer {
			return DataServer, nil
		}
		return RenderServer, nil
	}
	return Invalid, fatalf("unknown process type %s", m.Type)
}

// IsDriver reports whether a process with this role and rank invokes the
// native render and displays the result.
func IsDriver(role Role, rank int) bool {
	switch role {
	case Standalone, Client:
		return true
	case Batch:
		return rank == 0
	}
	return false
}
