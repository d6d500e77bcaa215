package config

import "time"

type ImpersonationConfig interface {
	GetImpersonationDuration() time.Duration
	GetImpersonationCheckInterval() time.Duration
	GetMinReasonLength() int
}

type Impersonation struct {
	Duration        time.Duration `env:"IMPERSONATION_DURATION" envDefault:"30m"`
	CheckInterval   time.Duration `env:"IMPERSONATION_CHECK_INTERVAL" envDefault:"30s"`
	MinReasonLength int           `env:"MIN_REASON_LENGTH" envDefault:"10"`
}

var _ ImpersonationConfig = Impersonation{}

func (i Impersonation) GetImpersonationDuration() time.Duration {
	return i.Duration
}

func (i Impersonation) GetImpersonationCheckInterval() time.Duration {
	return i.CheckInterval
}

func (i Impersonation) GetMinReasonLength() int {
	return i.MinReasonLength
}
