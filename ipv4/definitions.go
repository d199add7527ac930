package ipv4

import "github.com/netforge-go/natgw/wire"

const (
	sizeHeader = 20
)

// ToS and Flags are shared across every protocol layer; see
// [wire.ToS] and [wire.Flags].
type (
	ToS   = wire.ToS
	Flags = wire.Flags
)
