// Package configbus fans out guild configuration change notifications so that every process drops its cached copy.
package configbus

import (
	"context"
)

const Channel = "guild_config_changed"

const (
	ModulePolicies   = "policies"
	ModuleGovernance = "governance"
	ModuleHeat       = "heat"
)

type Change struct {
	GuildID string `json:"guild_id"`
	Module  string `json:"module"`
	Action  string `json:"action"`
}

type Handler func(ctx context.Context, c Change)

type Bus interface {
	Publish(ctx context.Context, c Change) error
	// Subscribe registers a handler and returns once it is listening. Delivery stops when ctx is done.
	Subscribe(ctx context.Context, h Handler) error
}
