package statuscheck

import (
	"context"
	"errors"
	"strings"
	"time"
)

// RedisPinger models the minimal Redis capability we need for status checks.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// Bucket is the storage backend being checked.
type Bucket interface {
	Name() string
	Check(ctx context.Context) error
}

// Versioner reports the version of an external tool.
type Versioner interface {
	Version(ctx context.Context) (string, error)
}

// BrowserLocator reports whether a browser binary is available.
type BrowserLocator interface {
	Available() (string, bool)
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	redis       RedisPinger
	bucket      Bucket
	ghostscript Versioner
	browser     BrowserLocator
}

// Options configures the Checker. Nil members report as unavailable.
type Options struct {
	Redis       RedisPinger
	Bucket      Bucket
	Ghostscript Versioner
	Browser     BrowserLocator
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Redis       Status `json:"redis"`
	Storage     Status `json:"storage"`
	Ghostscript Status `json:"ghostscript"`
	Browser     Status `json:"browser"`
}

// Healthy is true when every subsystem is OK.
func (s Summary) Healthy() bool {
	return s.Redis.OK && s.Storage.OK && s.Ghostscript.OK && s.Browser.OK
}

func New(opts Options) *Checker {
	return &Checker{
		redis:       opts.Redis,
		bucket:      opts.Bucket,
		ghostscript: opts.Ghostscript,
		browser:     opts.Browser,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Redis:       c.checkRedis(ctx),
		Storage:     c.checkStorage(ctx),
		Ghostscript: c.checkGhostscript(ctx),
		Browser:     c.checkBrowser(),
	}
}

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: false, Message: "client unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkStorage(ctx context.Context) Status {
	if c.bucket == nil {
		return Status{OK: false, Message: "Bucket not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.bucket.Check(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected (" + c.bucket.Name() + ")"}
}

func (c *Checker) checkGhostscript(ctx context.Context) Status {
	if c.ghostscript == nil {
		return Status{OK: false, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	v, err := c.ghostscript.Version(ctx)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Available " + strings.TrimSpace(v)}
}

func (c *Checker) checkBrowser() Status {
	if c.browser == nil {
		return Status{OK: false, Message: "not configured"}
	}
	path, ok := c.browser.Available()
	if !ok {
		return Status{OK: false, Message: "Binary not found"}
	}
	return Status{OK: true, Message: path}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
