package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/engine"
	"github.com/dokzlo13/shellyd/internal/settings"
)

// Driver is the engine plus the persisted enabled flag.
type Driver struct {
	*engine.Engine
	settings *settings.Bucket
}

// SetEnabled enables or disables the engine and remembers the choice.
func (d *Driver) SetEnabled(enabled bool) error {
	if enabled {
		d.Enable()
	} else {
		d.Disable()
	}

	if err := d.settings.SaveEnabled(enabled); err != nil {
		log.Warn().Err(err).Bool("enabled", enabled).Msg("Failed to persist driver state")
		return err
	}
	return nil
}
