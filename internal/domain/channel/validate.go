package channel

import (
	"errors"
	"fmt"
)

// Validate enforces the invariants a channel must satisfy before the
// supervisor will spawn an encoder for it.
func (c *Channel) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if len(c.Name) > 100 {
		return errors.New("name must be at most 100 characters")
	}
	if c.InputURL == "" {
		return errors.New("input_url is required")
	}
	if len(c.InputURL) > 2048 {
		return errors.New("input_url must be at most 2048 characters")
	}
	if len(c.Outputs) == 0 {
		return errors.New("at least one output is required")
	}
	for i, out := range c.Outputs {
		if err := out.Validate(); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("invalid status %q", c.Status)
	}
	return nil
}
