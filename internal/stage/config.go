package stage

import (
	"fmt"
	"strings"
)

// Mode selects how artifacts are placed in the destination.
type Mode string

const (
	ModeCopy     Mode = "copy"
	ModeHardlink Mode = "hardlink" // falls back to copy when linking fails
)

// ParseMode parses a mode name. Empty means ModeCopy.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeCopy:
		return ModeCopy, nil
	case ModeHardlink:
		return ModeHardlink, nil
	default:
		return "", fmt.Errorf("unknown stage mode %q (want %q or %q)", s, ModeCopy, ModeHardlink)
	}
}

// Config holds stager options.
type Config struct {
	Mode Mode // default: copy
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeCopy
	}
	return c
}
