// ABOUTME: Builds the model registry shared by the server and admin tools
// ABOUTME: Every feature package registers its row types here

package gateway

import (
	"fmt"

	"github.com/2389/fleet/internal/auth"
	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/network"
	"github.com/2389/fleet/internal/realm"
)

// NewRegistry returns a registry holding every fleet model.
func NewRegistry() (*database.Registry, error) {
	reg := database.NewRegistry()
	for name, register := range map[string]func(*database.Registry) error{
		"realm":   realm.Register,
		"auth":    auth.Register,
		"network": network.Register,
	} {
		if err := register(reg); err != nil {
			return nil, fmt.Errorf("registering %s models: %w", name, err)
		}
	}
	return reg, nil
}
