package realtime

import "time"

// Options tunes the reconnect policy and keepalive of a Manager.
type Options struct {
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	WriteWait            time.Duration
	DialTimeout          time.Duration
}

// DefaultOptions: 1s base delay doubling up to 30s, 5 reconnect attempts,
// a ping every 30s.
func DefaultOptions() Options {
	return Options{
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
		MaxReconnectAttempts: 5,
		PingInterval:         30 * time.Second,
		WriteWait:            10 * time.Second,
		DialTimeout:          10 * time.Second,
	}
}

// ReconnectDelay returns BaseDelay * 2^(attempt-1) capped at MaxDelay.
// attempt is 1-indexed.
func (o Options) ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := o.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= o.MaxDelay {
			return o.MaxDelay
		}
	}

	if delay > o.MaxDelay {
		return o.MaxDelay
	}
	return delay
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	return o
}
