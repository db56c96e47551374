package sandbox

import (
	"context"
	"time"

	"github.com/docker/go-connections/nat"
)

// Role determines how a sandbox is exposed. Challenger and comparer
// containers are singletons per challenge and bind a fixed host port;
// miner containers are transient and get an ephemeral port.
type Role string

const (
	RoleChallenger Role = "challenger"
	RoleMiner      Role = "miner"
	RoleComparer   Role = "comparer"
)

// ContainerPort is the port every challenge container serves on.
func (r Role) ContainerPort() nat.Port {
	switch r {
	case RoleChallenger:
		return nat.Port("10001/tcp")
	case RoleMiner:
		return nat.Port("10002/tcp")
	default:
		return nat.Port("10003/tcp")
	}
}

// Exclusive reports whether only one sandbox of this role may exist
// per challenge at a time.
func (r Role) Exclusive() bool {
	return r != RoleMiner
}

// Limits caps a sandbox's resources.
type Limits struct {
	NanoCPUs    int64
	MemoryBytes int64
}

// Request is one HTTP call into a sandbox.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// Handle references a live sandbox container. It is owned by the
// Runner that produced it and must be passed back to Release on every
// path.
type Handle struct {
	ContainerID string
	Challenge   string
	Role        Role
	Image       string
	// Addr is the host address the container's service port is bound to.
	Addr string

	release func()
}

// Runner manages sandbox containers. Acquire fails with
// types.ErrBuild when the image cannot be materialized and
// types.ErrResourceExhausted when no miner slot frees up in time.
// Execute fails with types.ErrTimeout past the deadline and
// types.ErrCrashed when the container died. Release always cleans up.
type Runner interface {
	Acquire(ctx context.Context, challenge, image string, role Role, limits Limits) (*Handle, error)
	Execute(ctx context.Context, handle *Handle, req Request, timeout time.Duration) ([]byte, error)
	Release(ctx context.Context, handle *Handle)
}
