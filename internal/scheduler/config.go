package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/pawbill/internal/config"
)

// Config controls when the daily billing pass fires.
type Config struct {
	Enabled  bool
	Schedule string
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Schedule: "0 6 * * *",
		Location: time.UTC,
	}
}

// ProvideConfig validates the schedule and timezone at startup so a typo
// fails the deploy instead of silently never billing.
func ProvideConfig(cfg config.Config) (Config, error) {
	out := DefaultConfig()
	out.Enabled = cfg.Scheduler.Enabled
	if schedule := strings.TrimSpace(cfg.Scheduler.Schedule); schedule != "" {
		out.Schedule = schedule
	}
	if _, err := cron.ParseStandard(out.Schedule); err != nil {
		return Config{}, fmt.Errorf("%w: schedule %q: %v", ErrInvalidConfig, out.Schedule, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Config{}, fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, tz, err)
		}
		out.Location = loc
	}
	return out, nil
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Schedule == "" {
		c.Schedule = defaults.Schedule
	}
	if c.Location == nil {
		c.Location = defaults.Location
	}
	return c
}
